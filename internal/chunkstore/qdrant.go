// Package chunkstore restores full chunk text from the Qdrant collection that
// backs retrieval.
//
// Point ids are unknown to the evaluation, only the sourceChunkRef payload
// field is, so lookups go through the REST scroll API with payload filters.
package chunkstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// textKeys are the payload fields probed for chunk text, in priority order.
// Collections provisioned by different ingest versions use different names;
// the first non-empty string wins.
var textKeys = []string{"text_segment", "text", "page_content", "content"}

// Client resolves chunk references against one Qdrant collection.
type Client struct {
	scrollURL  string
	httpClient *http.Client
}

// NewClient builds a resolver for the collection at the given Qdrant base URL
// (scheme://host:port).
func NewClient(baseURL, collection string, httpClient *http.Client) *Client {
	return &Client{
		scrollURL:  fmt.Sprintf("%s/collections/%s/points/scroll", baseURL, collection),
		httpClient: httpClient,
	}
}

type matchFilter struct {
	Key   string `json:"key"`
	Match struct {
		Value any `json:"value"`
	} `json:"match"`
}

func mustMatch(key string, value any) matchFilter {
	f := matchFilter{Key: key}
	f.Match.Value = value
	return f
}

type scrollRequest struct {
	Limit       int  `json:"limit"`
	WithPayload bool `json:"with_payload"`
	WithVector  bool `json:"with_vector"`
	Filter      struct {
		Must []matchFilter `json:"must"`
	} `json:"filter"`
}

type scrollResponse struct {
	Result struct {
		Points []struct {
			Payload map[string]any `json:"payload"`
		} `json:"points"`
	} `json:"result"`
}

// ChunkText restores the full text for one chunk reference. The first pass
// filters on sourceChunkRef plus memberId; when that matches nothing, a
// relaxed second pass filters on sourceChunkRef alone to tolerate a drifted or
// differently-typed memberId field in the payload. found reports whether any
// point with usable text matched; err reports lookup-layer failures only.
func (c *Client) ChunkText(ctx context.Context, sourceChunkRef string, memberID int64) (text string, found bool, err error) {
	strict := []matchFilter{
		mustMatch("sourceChunkRef", sourceChunkRef),
		mustMatch("memberId", memberID),
	}
	payload, ok, err := c.scroll(ctx, strict)
	if err != nil {
		return "", false, err
	}
	if !ok {
		relaxed := []matchFilter{mustMatch("sourceChunkRef", sourceChunkRef)}
		payload, ok, err = c.scroll(ctx, relaxed)
		if err != nil {
			return "", false, err
		}
		if !ok {
			return "", false, nil
		}
	}

	return extractText(payload)
}

// scroll runs one filtered scroll call with limit 1 and returns the payload of
// the matched point, if any.
func (c *Client) scroll(ctx context.Context, must []matchFilter) (map[string]any, bool, error) {
	reqBody := scrollRequest{Limit: 1, WithPayload: true, WithVector: false}
	reqBody.Filter.Must = must

	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return nil, false, fmt.Errorf("chunkstore: encode scroll request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.scrollURL, bytes.NewReader(encoded))
	if err != nil {
		return nil, false, fmt.Errorf("chunkstore: build scroll request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("chunkstore: scroll failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, false, fmt.Errorf("chunkstore: read scroll response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if len(body) > 500 {
			body = body[:500]
		}
		return nil, false, fmt.Errorf("chunkstore: status=%d body=%s", resp.StatusCode, body)
	}

	var decoded scrollResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, false, fmt.Errorf("chunkstore: malformed scroll response: %w", err)
	}

	if len(decoded.Result.Points) == 0 {
		return nil, false, nil
	}
	return decoded.Result.Points[0].Payload, true, nil
}

// extractText probes the candidate text keys in order and returns the first
// non-empty string. A matched point whose payload has no usable text counts
// as not found, not as an error.
func extractText(payload map[string]any) (string, bool, error) {
	for _, key := range textKeys {
		if value, ok := payload[key].(string); ok && strings.TrimSpace(value) != "" {
			return value, true, nil
		}
	}
	return "", false, nil
}
