// Package projectconfig provides the ProjectConfig struct and loader for
// .ragcheck.yaml project-level configuration files.
package projectconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Default values for project configuration.
const (
	DefaultBaseURL    = "http://localhost:8080"
	DefaultReportDir  = "reports/"
	DefaultMaxSamples = 50
	DefaultThreshold  = 0.75
	DefaultJudgeModel = "gpt-4o-mini"
	DefaultTimeoutSec = 30
)

// DefaultsConfig holds default run parameters.
type DefaultsConfig struct {
	BaseURL           string  `yaml:"base_url,omitempty"`
	MaxSamples        int     `yaml:"max_samples,omitempty"`
	Threshold         float64 `yaml:"threshold,omitempty"`
	JudgeModel        string  `yaml:"judge_model,omitempty"`
	RequestTimeoutSec int     `yaml:"request_timeout_sec,omitempty"`
	Verbose           *bool   `yaml:"verbose,omitempty"`
}

// PathsConfig holds directory paths for report output.
type PathsConfig struct {
	Reports string `yaml:"reports,omitempty"`
}

// EndpointsConfig pins the backing stores for a project. Environment
// variables override these; credentials never belong in this file.
type EndpointsConfig struct {
	DBHost           string `yaml:"db_host,omitempty"`
	DBPort           string `yaml:"db_port,omitempty"`
	DBName           string `yaml:"db_name,omitempty"`
	DBUsername       string `yaml:"db_username,omitempty"`
	QdrantHost       string `yaml:"qdrant_host,omitempty"`
	QdrantPort       string `yaml:"qdrant_port,omitempty"`
	QdrantCollection string `yaml:"qdrant_collection,omitempty"`
}

// ProjectConfig is the top-level configuration loaded from .ragcheck.yaml.
type ProjectConfig struct {
	Paths     PathsConfig     `yaml:"paths,omitempty"`
	Defaults  DefaultsConfig  `yaml:"defaults,omitempty"`
	Endpoints EndpointsConfig `yaml:"endpoints,omitempty"`
}

// New returns a ProjectConfig with all hard-coded defaults populated.
func New() *ProjectConfig {
	return &ProjectConfig{
		Paths: PathsConfig{
			Reports: DefaultReportDir,
		},
		Defaults: DefaultsConfig{
			BaseURL:           DefaultBaseURL,
			MaxSamples:        DefaultMaxSamples,
			Threshold:         DefaultThreshold,
			JudgeModel:        DefaultJudgeModel,
			RequestTimeoutSec: DefaultTimeoutSec,
			Verbose:           boolPtr(false),
		},
	}
}

// Load finds .ragcheck.yaml by walking up from startDir (max 10 levels),
// unmarshals it, and fills in missing fields with defaults.
// If no config file is found, returns defaults with a nil error.
// Real I/O errors (e.g. permission denied) are returned to the caller.
func Load(startDir string) (*ProjectConfig, error) {
	cfg := New()

	data, err := findConfigFile(startDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("loading .ragcheck.yaml: %w", err)
	}

	var fileCfg ProjectConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("parsing .ragcheck.yaml: %w", err)
	}

	mergeConfig(cfg, &fileCfg)
	return cfg, nil
}

// findConfigFile walks up from dir looking for .ragcheck.yaml (max 10 levels).
// Returns os.ErrNotExist if no config file is found. Propagates real I/O
// errors (e.g. permission denied) instead of silently swallowing them.
func findConfigFile(dir string) ([]byte, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving path %q: %w", dir, err)
	}
	dir = absDir

	for i := 0; i < 10; i++ {
		p := filepath.Join(dir, ".ragcheck.yaml")
		data, err := os.ReadFile(p)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading %q: %w", p, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break // reached filesystem root
		}
		dir = parent
	}
	return nil, os.ErrNotExist
}

// mergeConfig overlays non-zero values from src onto dst.
func mergeConfig(dst, src *ProjectConfig) {
	if src.Paths.Reports != "" {
		dst.Paths.Reports = src.Paths.Reports
	}

	if src.Defaults.BaseURL != "" {
		dst.Defaults.BaseURL = src.Defaults.BaseURL
	}
	if src.Defaults.MaxSamples != 0 {
		dst.Defaults.MaxSamples = src.Defaults.MaxSamples
	}
	if src.Defaults.Threshold != 0 {
		dst.Defaults.Threshold = src.Defaults.Threshold
	}
	if src.Defaults.JudgeModel != "" {
		dst.Defaults.JudgeModel = src.Defaults.JudgeModel
	}
	if src.Defaults.RequestTimeoutSec != 0 {
		dst.Defaults.RequestTimeoutSec = src.Defaults.RequestTimeoutSec
	}
	if src.Defaults.Verbose != nil {
		dst.Defaults.Verbose = src.Defaults.Verbose
	}

	if src.Endpoints.DBHost != "" {
		dst.Endpoints.DBHost = src.Endpoints.DBHost
	}
	if src.Endpoints.DBPort != "" {
		dst.Endpoints.DBPort = src.Endpoints.DBPort
	}
	if src.Endpoints.DBName != "" {
		dst.Endpoints.DBName = src.Endpoints.DBName
	}
	if src.Endpoints.DBUsername != "" {
		dst.Endpoints.DBUsername = src.Endpoints.DBUsername
	}
	if src.Endpoints.QdrantHost != "" {
		dst.Endpoints.QdrantHost = src.Endpoints.QdrantHost
	}
	if src.Endpoints.QdrantPort != "" {
		dst.Endpoints.QdrantPort = src.Endpoints.QdrantPort
	}
	if src.Endpoints.QdrantCollection != "" {
		dst.Endpoints.QdrantCollection = src.Endpoints.QdrantCollection
	}
}

func boolPtr(b bool) *bool {
	return &b
}
