// Package provider talks to the Doubao (Volcengine Ark) vision chat
// completions endpoint.
package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "https://ark.cn-beijing.volces.com/api/v3"
	DefaultModel   = "doubao-seed-1-6-250615"
	DefaultTimeout = 60 * time.Second

	maxResponseBytes = 8 << 20
)

// DefaultPrompt asks for the five card fields as a bare JSON object.
const DefaultPrompt = `请识别这张名片图片，并仅返回一个 JSON 对象，包含以下字段：` +
	`"country"（国家）、"name"（姓名）、"position"（职位）、"company"（公司）、"phone"（电话）。` +
	`电话仅提取手机号，不要提取fax，格式为 (+国家区号)-号码。` +
	`请根据号码长度和号码内容判断是否已经包含国家区号，如果不包含则根据名片上的信息和号码内容及长度综合判断最有可能的国家区号。` +
	`无法识别的字段请省略。不要包含任何其他文字或解释。`

var ErrNotConfigured = errors.New("provider api key is not configured")

// UpstreamError is a non-2xx answer from the provider. Body is the raw
// response payload.
type UpstreamError struct {
	Status int
	Body   []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("provider returned status %d", e.Status)
}

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Prompt  string
	Timeout time.Duration
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultPrompt
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With().Str("provider_model", cfg.Model).Logger(),
	}
}

func (c *Client) Configured() bool {
	return strings.TrimSpace(c.cfg.APIKey) != ""
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type message struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
}

// Complete sends one image to the provider and returns the raw completion
// envelope. There is no retry.
func (c *Client) Complete(ctx context.Context, image []byte, mediaType string) ([]byte, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	body := chatRequest{
		Model: c.cfg.Model,
		Messages: []message{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: c.cfg.Prompt},
				{Type: "image_url", ImageURL: &imageURL{URL: DataURL(mediaType, image)}},
			},
		}},
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	reqID := uuid.NewString()
	start := time.Now()
	c.logger.Debug().
		Str("req_id", reqID).
		Int("image_bytes", len(image)).
		Str("media_type", mediaType).
		Msg("provider request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("req_id", reqID).Dur("elapsed", time.Since(start)).Msg("provider request failed")
		return nil, fmt.Errorf("send completion request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read completion response: %w", err)
	}

	c.logger.Debug().
		Str("req_id", reqID).
		Int("status", resp.StatusCode).
		Int("bytes", len(raw)).
		Dur("elapsed", time.Since(start)).
		Msg("provider response")

	if resp.StatusCode/100 != 2 {
		return nil, &UpstreamError{Status: resp.StatusCode, Body: raw}
	}
	return raw, nil
}

// DataURL renders an inline image the way the provider expects it.
func DataURL(mediaType string, data []byte) string {
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

type envelope struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

var ErrNoChoices = errors.New("no choices in completion response")

// FirstContent returns the first choice's message content.
func FirstContent(raw []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if len(env.Choices) == 0 {
		return "", ErrNoChoices
	}
	return env.Choices[0].Message.Content, nil
}
