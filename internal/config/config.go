// Package config assembles the run configuration from CLI flags, project
// config, env files, and the process environment, and validates it before any
// network work starts.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
)

// Recognized environment variables.
const (
	EnvAccessToken   = "PKV_ACCESS_TOKEN"
	EnvMemberID      = "PKV_MEMBER_ID"
	EnvBaseURL       = "PKV_BASE_URL"
	EnvJudgeModel    = "JUDGE_MODEL"
	EnvJudgeAPIKey   = "JUDGE_OPENAI_API_KEY"
	EnvSharedAPIKey  = "CHAT_MODEL_API_KEY"
	EnvDBHost        = "DB_HOST"
	EnvDBPort        = "DB_PORT"
	EnvDBName        = "DB_NAME"
	EnvDBUser        = "DB_USERNAME"
	EnvDBPassword    = "DB_PASSWORD"
	EnvQdrantHost    = "QDRANT_HOST"
	EnvQdrantPort    = "QDRANT_PORT"
	EnvQdrantCollect = "QDRANT_COLLECTION"
)

// Config is the fully resolved run configuration. Everything a component
// needs, credentials included, is carried here explicitly; no component
// reads the process environment on its own.
type Config struct {
	Dataset        string
	BaseURL        string
	ReportDir      string
	MaxSamples     int
	Threshold      float64
	JudgeModel     string
	RequestTimeout time.Duration
	Verbose        bool

	AccessToken string
	MemberID    int64
	JudgeAPIKey string

	DBDSN            string
	QdrantURL        string
	QdrantCollection string
}

// LoadEnvFiles loads .env and .env.local from the working directory without
// overriding variables already present in the process environment. Listing
// .env.local first gives it precedence over .env.
func LoadEnvFiles() {
	for _, name := range []string{".env.local", ".env"} {
		if _, err := os.Stat(name); err == nil {
			_ = godotenv.Load(name)
		}
	}
}

// Inputs are the raw knobs from flags and project config; Resolve fills in
// the environment-sourced pieces.
type Inputs struct {
	Dataset        string
	BaseURL        string
	ReportDir      string
	MaxSamples     int
	Threshold      float64
	JudgeModel     string
	RequestTimeout time.Duration
	Verbose        bool
}

// Resolve merges Inputs with the environment (via lookup, usually os.Getenv)
// into a validated Config. Every failure here is fatal: it happens before any
// pipeline work.
func Resolve(in Inputs, lookup func(string) string) (*Config, error) {
	if strings.TrimSpace(in.Dataset) == "" {
		return nil, errors.New("config: dataset path is required")
	}
	if in.MaxSamples <= 0 {
		return nil, fmt.Errorf("config: max samples must be > 0, got %d", in.MaxSamples)
	}
	if in.Threshold < 0 || in.Threshold > 1 {
		return nil, fmt.Errorf("config: threshold must be in [0,1], got %v", in.Threshold)
	}
	if in.RequestTimeout <= 0 {
		return nil, fmt.Errorf("config: request timeout must be > 0, got %v", in.RequestTimeout)
	}

	token, err := ParseAccessToken(lookup(EnvAccessToken))
	if err != nil {
		return nil, err
	}

	memberID, err := resolveMemberID(lookup(EnvMemberID), token)
	if err != nil {
		return nil, err
	}

	judgeKey, err := resolveJudgeAPIKey(lookup)
	if err != nil {
		return nil, err
	}

	dsn, err := buildDBDSN(lookup)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Dataset:        in.Dataset,
		BaseURL:        strings.TrimRight(in.BaseURL, "/"),
		ReportDir:      in.ReportDir,
		MaxSamples:     in.MaxSamples,
		Threshold:      in.Threshold,
		JudgeModel:     in.JudgeModel,
		RequestTimeout: in.RequestTimeout,
		Verbose:        in.Verbose,

		AccessToken: token,
		MemberID:    memberID,
		JudgeAPIKey: judgeKey,

		DBDSN:            dsn,
		QdrantURL:        fmt.Sprintf("http://%s:%s", envOr(lookup, EnvQdrantHost, "localhost"), envOr(lookup, EnvQdrantPort, "6333")),
		QdrantCollection: envOr(lookup, EnvQdrantCollect, "pkv_text_segments"),
	}
	return cfg, nil
}

// ParseAccessToken normalizes the accepted credential forms to the bare
// token value: a whole "access_token=<JWT>; ..." cookie string, a
// "Bearer <JWT>" header value, or the token itself.
func ParseAccessToken(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", fmt.Errorf("config: %s is required", EnvAccessToken)
	}
	if rest, ok := strings.CutPrefix(text, "access_token="); ok {
		if i := strings.Index(rest, ";"); i >= 0 {
			rest = rest[:i]
		}
		return strings.TrimSpace(rest), nil
	}
	if rest, ok := strings.CutPrefix(text, "Bearer "); ok {
		return strings.TrimSpace(rest), nil
	}
	return text, nil
}

// MemberIDFromToken reads the member id from the JWT's sub claim. The token
// is not verified; the evaluation only needs the same member scope the chat
// service will authenticate anyway.
func MemberIDFromToken(token string) (int64, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return 0, fmt.Errorf("config: %s is not a JWT-like token: %w", EnvAccessToken, err)
	}

	// The chat service issues member ids as the subject; depending on the
	// issuer version the claim arrives as a string or a bare number.
	switch sub := claims["sub"].(type) {
	case string:
		id, err := strconv.ParseInt(sub, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("config: JWT 'sub' %q is not a member id", sub)
		}
		return id, nil
	case float64:
		return int64(sub), nil
	default:
		return 0, errors.New("config: JWT payload missing 'sub'")
	}
}

func resolveMemberID(explicit, token string) (int64, error) {
	if trimmed := strings.TrimSpace(explicit); trimmed != "" {
		id, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("config: %s %q is not an integer", EnvMemberID, trimmed)
		}
		return id, nil
	}
	return MemberIDFromToken(token)
}

// resolveJudgeAPIKey prefers the dedicated judge key and falls back to the
// chat application's own model key.
func resolveJudgeAPIKey(lookup func(string) string) (string, error) {
	if key := strings.TrimSpace(lookup(EnvJudgeAPIKey)); key != "" {
		return key, nil
	}
	if key := strings.TrimSpace(lookup(EnvSharedAPIKey)); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("config: missing judge API key: set %s (or reuse %s)", EnvJudgeAPIKey, EnvSharedAPIKey)
}

func buildDBDSN(lookup func(string) string) (string, error) {
	port := envOr(lookup, EnvDBPort, "3306")
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("config: %s %q is not an integer", EnvDBPort, port)
	}

	mysqlCfg := mysql.NewConfig()
	mysqlCfg.Net = "tcp"
	mysqlCfg.Addr = fmt.Sprintf("%s:%s", envOr(lookup, EnvDBHost, "localhost"), port)
	mysqlCfg.DBName = envOr(lookup, EnvDBName, "pkv")
	mysqlCfg.User = envOr(lookup, EnvDBUser, "root")
	mysqlCfg.Passwd = envOr(lookup, EnvDBPassword, "root")
	mysqlCfg.ParseTime = true
	mysqlCfg.Params = map[string]string{"charset": "utf8mb4"}

	return mysqlCfg.FormatDSN(), nil
}

func envOr(lookup func(string) string, key, fallback string) string {
	if v := strings.TrimSpace(lookup(key)); v != "" {
		return v
	}
	return fallback
}
