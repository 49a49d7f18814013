// Package judge scores how well a chat answer is grounded in its retrieved
// contexts, using an externally hosted LLM as the judge. No reference
// contexts are involved; the judge sees only question, response, and the
// restored chunk texts.
package judge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Metric names reported in the run result.
const (
	MetricContextUtilization = "context_utilization"
	MetricLegacyPrecision    = "context_precision_no_reference_legacy"
)

// Sample is the fixed payload contract every metric consumes: the pipeline's
// question maps to UserInput, the chat answer to Response, and the restored
// chunk texts, in original retrieval order, to RetrievedContexts.
type Sample struct {
	UserInput         string
	Response          string
	RetrievedContexts []string
}

// Metric is a bound scoring strategy. Implementations must be safe to call
// repeatedly with different samples and must return scores in [0, 1].
type Metric interface {
	Name() string
	Score(ctx context.Context, sample Sample) (float64, error)
}

// Config is the explicit judge configuration. Credentials are passed here,
// never read from the process environment by this package.
type Config struct {
	// APIKey authenticates against the judge provider.
	APIKey string
	// Model is the judge model identifier, e.g. "gpt-4o-mini".
	Model string
	// BaseURL overrides the provider endpoint. Empty means the provider
	// default; set it to point at a gateway or a test server.
	BaseURL string
}

// Judge holds the metric bound at construction time. Every Score call goes
// through the same metric; there is no per-call re-negotiation.
type Judge struct {
	metric         Metric
	fallbackReason string
}

// New performs the one-time capability negotiation: it binds the primary
// context-utilization metric when the configured model supports structured
// JSON replies, and otherwise binds the legacy free-form metric, recording
// why. A fallback is a warning for the caller to log, never an error; the
// run proceeds on either metric.
func New(cfg Config) (*Judge, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("judge: API key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("judge: model name is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	client := openai.NewClientWithConfig(clientCfg)

	j := &Judge{}
	primary, err := newContextUtilization(client, cfg.Model)
	if err != nil {
		j.metric = newLegacyContextPrecision(client, cfg.Model)
		j.fallbackReason = err.Error()
		return j, nil
	}
	j.metric = primary
	return j, nil
}

// MetricName reports which metric was bound.
func (j *Judge) MetricName() string {
	return j.metric.Name()
}

// FallbackReason is non-empty when the legacy metric was bound, and explains
// why the primary one could not be.
func (j *Judge) FallbackReason() string {
	return j.fallbackReason
}

// Score evaluates one sample with the bound metric. Failures here are
// per-sample scoring failures for the caller to record, not run-fatal.
func (j *Judge) Score(ctx context.Context, question, response string, retrievedContexts []string) (float64, error) {
	if len(retrievedContexts) == 0 {
		return 0, errors.New("judge: no retrieved contexts to score")
	}

	score, err := j.metric.Score(ctx, Sample{
		UserInput:         question,
		Response:          response,
		RetrievedContexts: retrievedContexts,
	})
	if err != nil {
		return 0, err
	}
	if score < 0 || score > 1 {
		return 0, fmt.Errorf("judge: score %v outside [0,1]", score)
	}
	return score, nil
}

// jsonModePrefixes lists model families known to honor the json_object
// response format. The probe is a static table rather than a live API call so
// that negotiation stays deterministic and spends no judge tokens at startup.
var jsonModePrefixes = []string{
	"gpt-3.5-turbo",
	"gpt-4-turbo",
	"gpt-4.1",
	"gpt-4o",
	"gpt-5",
	"o1",
	"o3",
	"o4",
}

func supportsJSONMode(model string) error {
	for _, prefix := range jsonModePrefixes {
		if strings.HasPrefix(model, prefix) {
			return nil
		}
	}
	return fmt.Errorf("model %q is not known to support JSON response format", model)
}
