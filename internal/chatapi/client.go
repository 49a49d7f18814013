// Package chatapi drives the PKV chat endpoint for one evaluation question at
// a time.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Reply is the useful part of a successful chat exchange.
type Reply struct {
	// SessionID is the conversation handle the service created for this
	// question. The history lookup cannot proceed without it.
	SessionID string
	// Content is the visible answer text. May be empty; the persisted answer
	// is the fallback.
	Content string
}

// envelope mirrors the service's ApiResponse wrapper. Transport success and
// domain success are independent: HTTP 200 with success=false still means the
// call failed.
type envelope struct {
	Success bool `json:"success"`
	Data    *struct {
		SessionID string `json:"sessionId"`
		Content   string `json:"content"`
	} `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client posts questions to the chat service. Safe to reuse across samples;
// every Send starts a fresh conversation so runs never share transcript state.
type Client struct {
	endpoint    string
	accessToken string
	httpClient  *http.Client
}

// NewClient builds a chat client for the given API base URL. httpClient
// carries the per-request timeout and is shared with the other HTTP
// collaborators of the run.
func NewClient(baseURL, accessToken string, httpClient *http.Client) *Client {
	return &Client{
		endpoint:    baseURL + "/api/chat/messages",
		accessToken: accessToken,
		httpClient:  httpClient,
	}
}

// Send submits one question and returns the conversation handle plus the
// visible answer. Exactly one of (Reply, error) is meaningful. Domain-level
// failures surface as ordinary errors carrying the service error code.
func (c *Client) Send(ctx context.Context, question string) (Reply, error) {
	payload, err := json.Marshal(map[string]any{
		"conversationId": nil,
		"content":        question,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("chat: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Reply{}, fmt.Errorf("chat: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.AddCookie(&http.Cookie{Name: "access_token", Value: c.accessToken, Path: "/api"})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Reply{}, fmt.Errorf("chat: request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Reply{}, fmt.Errorf("chat: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Reply{}, fmt.Errorf("chat: status=%d body=%s", resp.StatusCode, truncateBody(body))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Reply{}, fmt.Errorf("chat: response is not JSON: %w", err)
	}

	if !env.Success {
		code, message := "unknown", "unknown error"
		if env.Error != nil {
			if env.Error.Code != "" {
				code = env.Error.Code
			}
			if env.Error.Message != "" {
				message = env.Error.Message
			}
		}
		return Reply{}, fmt.Errorf("chat: api error %s: %s", code, message)
	}

	if env.Data == nil || env.Data.SessionID == "" {
		return Reply{}, fmt.Errorf("chat: response missing sessionId")
	}

	return Reply{SessionID: env.Data.SessionID, Content: env.Data.Content}, nil
}

func truncateBody(body []byte) string {
	const max = 500
	if len(body) <= max {
		return string(body)
	}
	return string(body[:max])
}
