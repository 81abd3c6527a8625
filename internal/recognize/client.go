package recognize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/dunamismax/cardscan/internal/domain"
	"github.com/dunamismax/cardscan/internal/provider"
	"github.com/rs/zerolog"
)

const maxGatewayResponseBytes = 8 << 20

// Client calls a cardscan gateway over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = provider.DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type gatewayError struct {
	Error    string          `json:"error"`
	APIError json.RawMessage `json:"apiError,omitempty"`
	Kind     Kind            `json:"kind,omitempty"`
}

// Recognize posts the image as multipart field "file" to /api/recognize.
func (c *Client) Recognize(ctx context.Context, payload []byte, mediaType string) (domain.CardRecord, error) {
	if len(payload) == 0 {
		return domain.CardRecord{}, &Error{Kind: KindInput, Status: http.StatusBadRequest, Message: "No file uploaded."}
	}

	body, contentType, err := multipartFile(payload, mediaType)
	if err != nil {
		return domain.CardRecord{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/recognize", body)
	if err != nil {
		return domain.CardRecord{}, fmt.Errorf("build recognize request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	raw, status, err := c.do(req)
	if err != nil {
		return domain.CardRecord{}, Classify(err)
	}
	if status/100 != 2 {
		return domain.CardRecord{}, decodeGatewayError(status, raw)
	}
	return ParseEnvelope(raw)
}

var ErrGatewayPassword = errors.New("gateway rejected password check")

// VerifyPassword asks the gateway whether password opens the workspace.
func (c *Client) VerifyPassword(ctx context.Context, password string) (bool, error) {
	encoded, err := json.Marshal(map[string]string{"password": password})
	if err != nil {
		return false, fmt.Errorf("encode password request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/verify-password", bytes.NewReader(encoded))
	if err != nil {
		return false, fmt.Errorf("build password request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	raw, status, err := c.do(req)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
		return true, nil
	case http.StatusUnauthorized:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s", ErrGatewayPassword, decodeGatewayError(status, raw).Error())
	}
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", req.URL.Path).Dur("elapsed", time.Since(start)).Msg("gateway request failed")
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxGatewayResponseBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("read gateway response: %w", err)
	}
	c.logger.Debug().
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("gateway response")
	return raw, resp.StatusCode, nil
}

func decodeGatewayError(status int, raw []byte) *Error {
	var body gatewayError
	out := &Error{Kind: KindUpstream, Status: status}
	if err := json.Unmarshal(raw, &body); err != nil {
		out.Message = fmt.Sprintf("gateway returned status %d", status)
		return out
	}

	out.Message = body.Error
	if len(body.APIError) > 0 && string(body.APIError) != "null" {
		out.Upstream = body.APIError
	}
	switch body.Kind {
	case KindConfig, KindInput, KindUpstream, KindParse, KindTimeout:
		out.Kind = body.Kind
	default:
		if status == http.StatusBadRequest {
			out.Kind = KindInput
		}
	}
	return out
}

func multipartFile(payload []byte, mediaType string) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, fileNameFor(mediaType)))
	header.Set("Content-Type", mediaType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create multipart part: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return nil, "", fmt.Errorf("write multipart payload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}

func fileNameFor(mediaType string) string {
	if mediaType == domain.MediaTypePNG {
		return "card.png"
	}
	return "card.jpg"
}
