package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	openai "github.com/sashabaranov/go-openai"
)

// contextUtilization is the primary metric. It asks the judge for a per-chunk
// usefulness verdict in strict JSON mode and reduces the verdict list to an
// average-precision score: chunks that were useful to the answer should sit at
// the front of the retrieval order.
type contextUtilization struct {
	client *openai.Client
	model  string
}

func newContextUtilization(client *openai.Client, model string) (*contextUtilization, error) {
	if err := supportsJSONMode(model); err != nil {
		return nil, fmt.Errorf("context utilization metric unavailable: %w", err)
	}
	return &contextUtilization{client: client, model: model}, nil
}

func (m *contextUtilization) Name() string {
	return MetricContextUtilization
}

const utilizationSystemPrompt = `You judge retrieval quality for a question answering system.
Given a question, the generated answer, and the retrieved context chunks, decide for each chunk whether it was useful for producing the answer.
Reply with a JSON object of the form {"verdicts": [{"useful": true, "reason": "..."}]}, one verdict per chunk, in the same order as the chunks.`

func (m *contextUtilization) Score(ctx context.Context, sample Sample) (float64, error) {
	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       m.model,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: utilizationSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildUtilizationPrompt(sample)},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("judge: completion failed: %w", err)
	}

	content, err := completionContent(resp)
	if err != nil {
		return 0, err
	}

	verdicts, err := decodeVerdicts(content)
	if err != nil {
		return 0, err
	}
	if len(verdicts) != len(sample.RetrievedContexts) {
		return 0, fmt.Errorf("judge: got %d verdicts for %d contexts", len(verdicts), len(sample.RetrievedContexts))
	}

	return averagePrecision(verdicts), nil
}

func buildUtilizationPrompt(sample Sample) string {
	var b strings.Builder
	b.WriteString("## Question\n")
	b.WriteString(sample.UserInput)
	b.WriteString("\n\n## Answer\n")
	b.WriteString(sample.Response)
	b.WriteString("\n\n## Retrieved Contexts\n")
	for i, c := range sample.RetrievedContexts {
		fmt.Fprintf(&b, "\n### Context %d\n%s\n", i+1, c)
	}
	fmt.Fprintf(&b, "\nReturn exactly %d verdicts.\n", len(sample.RetrievedContexts))
	return b.String()
}

type verdict struct {
	Useful bool   `mapstructure:"useful"`
	Reason string `mapstructure:"reason"`
}

// decodeVerdicts parses the judge's JSON reply. Decoding is weakly typed on
// purpose: judges occasionally emit "useful": "true" or 1.
func decodeVerdicts(content string) ([]verdict, error) {
	var raw struct {
		Verdicts []map[string]any `json:"verdicts"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &raw); err != nil {
		return nil, fmt.Errorf("judge: verdict reply is not JSON: %w", err)
	}
	if raw.Verdicts == nil {
		return nil, errors.New("judge: verdict reply missing 'verdicts'")
	}

	verdicts := make([]verdict, 0, len(raw.Verdicts))
	for i, entry := range raw.Verdicts {
		var v verdict
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &v,
			WeaklyTypedInput: true,
		})
		if err != nil {
			return nil, fmt.Errorf("judge: build verdict decoder: %w", err)
		}
		if err := dec.Decode(entry); err != nil {
			return nil, fmt.Errorf("judge: verdict %d: %w", i+1, err)
		}
		verdicts = append(verdicts, v)
	}
	return verdicts, nil
}

// averagePrecision computes mean precision@k over the positions the judge
// marked useful. All-negative verdict lists score zero.
func averagePrecision(verdicts []verdict) float64 {
	usefulSeen := 0
	sum := 0.0
	for i, v := range verdicts {
		if v.Useful {
			usefulSeen++
			sum += float64(usefulSeen) / float64(i+1)
		}
	}
	if usefulSeen == 0 {
		return 0
	}
	return sum / float64(usefulSeen)
}

// legacyContextPrecision is the fallback metric for judge models without JSON
// mode. It asks for a single holistic utilization score in free-form text and
// normalizes whatever shape comes back.
type legacyContextPrecision struct {
	client *openai.Client
	model  string
}

func newLegacyContextPrecision(client *openai.Client, model string) *legacyContextPrecision {
	return &legacyContextPrecision{client: client, model: model}
}

func (m *legacyContextPrecision) Name() string {
	return MetricLegacyPrecision
}

const legacySystemPrompt = `You judge retrieval quality for a question answering system.
Given a question, the generated answer, and the retrieved context chunks, rate from 0.0 to 1.0 how well the retrieved chunks support the answer.
Reply with only the score, as JSON, e.g. {"score": 0.82}.`

func (m *legacyContextPrecision) Score(ctx context.Context, sample Sample) (float64, error) {
	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       m.model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: legacySystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildUtilizationPrompt(sample)},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("judge: completion failed: %w", err)
	}

	content, err := completionContent(resp)
	if err != nil {
		return 0, err
	}

	var value any
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &value); err != nil {
		return 0, fmt.Errorf("judge: score reply is not JSON: %w", err)
	}
	return normalizeScore(value)
}

// completionContent extracts the reply text. An empty choice list means the
// bound model lacks a required capability at call time; that is a per-sample
// scoring failure, not a run-fatal condition.
func completionContent(resp openai.ChatCompletionResponse) (string, error) {
	if len(resp.Choices) == 0 {
		return "", errors.New("judge: completion returned no choices")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("judge: completion returned empty content")
	}
	return content, nil
}

// wrapperScoreKeys are the field names accepted for wrapper-shaped score
// replies, in priority order.
var wrapperScoreKeys = []string{"score", "value"}

// normalizeScore reduces the union of score reply shapes to a float64:
// a bare number, a wrapper object with a numeric "score"/"value" field, or a
// mapping containing one numeric entry among others (remaining keys scanned
// in sorted order for determinism). Any other shape is an error.
func normalizeScore(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("judge: non-numeric score %q", v.String())
		}
		return f, nil
	case map[string]any:
		for _, key := range wrapperScoreKeys {
			if f, ok := asFloat(v[key]); ok {
				return f, nil
			}
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if f, ok := asFloat(v[k]); ok {
				return f, nil
			}
		}
		return 0, errors.New("judge: score mapping has no numeric entry")
	default:
		return 0, fmt.Errorf("judge: unsupported score shape %T", value)
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// stripCodeFence removes a surrounding markdown code fence, which some judge
// models add despite instructions.
func stripCodeFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
