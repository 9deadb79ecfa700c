// Package oracle calls the remote completion service used for quick
// structured decisions and turns its free-text replies into typed values.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/qooode/solbot/internal/config"
)

var (
	// ErrUnavailable means no credentials or endpoint are configured.
	ErrUnavailable = errors.New("oracle unavailable")
	// ErrNoJSON means the reply carried no parsable JSON payload.
	ErrNoJSON = errors.New("no json in oracle reply")
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature *float64
}

// Prompt builds a single-turn user request.
func Prompt(text string) Request {
	return Request{Messages: []Message{{Role: "user", Content: text}}}
}

// Clip shortens s to at most n runes for quoting inside a prompt, marking the
// cut with "...".
func Clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

// WithTemperature returns a copy of r with the sampling temperature set.
func (r Request) WithTemperature(t float64) Request {
	r.Temperature = &t
	return r
}

// Completer returns the raw text of the first completion choice.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

type CompleterFunc func(ctx context.Context, req Request) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Ask runs one completion bounded by timeout. A nil completer reports
// ErrUnavailable so callers fall to their default.
func Ask(ctx context.Context, c Completer, timeout time.Duration, req Request) (string, error) {
	if c == nil {
		return "", ErrUnavailable
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return c.Complete(ctx, req)
}

// Client talks to an OpenAI-compatible /chat/completions endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
	logger     *zap.Logger
}

type ClientOptions struct {
	HTTPClient *http.Client
	Logger     *zap.Logger
}

func NewClient(cfg *config.Config, opts ClientOptions) *Client {
	apiKey, baseURL := cfg.OracleCredentials()
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		model:      cfg.Oracle.Model,
		maxTokens:  cfg.Oracle.MaxTokens,
		httpClient: httpClient,
		logger:     logger.Named("oracle"),
	}
}

// Available reports whether the client has what it needs to make a call.
func (c *Client) Available() bool {
	return c != nil && c.apiKey != "" && c.baseURL != ""
}

func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	if !c.Available() {
		return "", ErrUnavailable
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	body := map[string]any{
		"model":      model,
		"messages":   req.Messages,
		"max_tokens": maxTokens,
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("oracle http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if !gjson.ValidBytes(respBody) {
		return "", fmt.Errorf("decode response: invalid json")
	}

	content := strings.TrimSpace(gjson.GetBytes(respBody, "choices.0.message.content").String())
	if content == "" {
		return "", fmt.Errorf("empty content in response")
	}
	c.logger.Debug("oracle reply",
		zap.String("model", model),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("chars", len(content)),
	)
	return content, nil
}
