package recognize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/dunamismax/cardscan/internal/provider"
)

// Kind classifies a recognition failure.
type Kind string

const (
	KindConfig   Kind = "config"
	KindInput    Kind = "input"
	KindUpstream Kind = "upstream"
	KindParse    Kind = "parse"
	KindTimeout  Kind = "timeout"
)

const (
	ParseFailureMessage   = "recognition result is not valid card JSON"
	TimeoutMessage        = "recognition timed out"
	defaultFailureMessage = "识别失败"
)

// Error is a classified recognition failure. Upstream holds the provider's
// raw error payload when there is one.
type Error struct {
	Kind     Kind
	Status   int
	Message  string
	Upstream json.RawMessage
	Err      error
}

// Error renders the message the way it is shown next to a failed card:
// the message, then the upstream payload when present.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = defaultFailureMessage
	}
	if len(e.Upstream) > 0 {
		var compact bytes.Buffer
		if err := json.Compact(&compact, e.Upstream); err == nil {
			return msg + ": " + compact.String()
		}
		return msg + ": " + string(e.Upstream)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsUpstream reports whether the failure belongs to the network family.
func (e *Error) IsUpstream() bool {
	return e.Kind == KindUpstream || e.Kind == KindTimeout
}

// KindOf returns the classification of err, or "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Classify(err).Kind
}

// Classify maps any error from a recognition call onto *Error.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var recErr *Error
	if errors.As(err, &recErr) {
		return recErr
	}

	var upErr *provider.UpstreamError
	if errors.As(err, &upErr) {
		out := &Error{Kind: KindUpstream, Status: upErr.Status, Message: "Doubao API Error", Err: err}
		if json.Valid(upErr.Body) {
			out.Upstream = json.RawMessage(upErr.Body)
		} else if len(upErr.Body) > 0 {
			quoted, _ := json.Marshal(string(upErr.Body))
			out.Upstream = quoted
		}
		return out
	}

	if errors.Is(err, provider.ErrNotConfigured) {
		return &Error{Kind: KindConfig, Status: http.StatusInternalServerError, Message: "Doubao API key is not configured.", Err: err}
	}

	if isTimeout(err) {
		return &Error{Kind: KindTimeout, Status: http.StatusGatewayTimeout, Message: TimeoutMessage, Err: err}
	}

	return &Error{Kind: KindUpstream, Status: http.StatusBadGateway, Message: err.Error(), Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
