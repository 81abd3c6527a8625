package recognize

import (
	"context"
	"net/http"
	"time"

	"github.com/dunamismax/cardscan/internal/domain"
	"github.com/dunamismax/cardscan/internal/provider"
)

// Completer returns the provider's raw completion envelope for one image.
type Completer interface {
	Complete(ctx context.Context, image []byte, mediaType string) ([]byte, error)
}

// Preparer may rewrite an image before it is sent. It returns the original
// bytes when it cannot improve them.
type Preparer interface {
	Prepare(ctx context.Context, data []byte, mediaType string) ([]byte, string)
}

// Direct recognizes cards in-process without the HTTP gateway.
type Direct struct {
	completer Completer
	preparer  Preparer
	timeout   time.Duration
}

type DirectOption func(*Direct)

func WithPreparer(p Preparer) DirectOption {
	return func(d *Direct) {
		d.preparer = p
	}
}

func WithTimeout(timeout time.Duration) DirectOption {
	return func(d *Direct) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

func NewDirect(completer Completer, opts ...DirectOption) *Direct {
	d := &Direct{completer: completer, timeout: provider.DefaultTimeout}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Direct) Recognize(ctx context.Context, payload []byte, mediaType string) (domain.CardRecord, error) {
	if len(payload) == 0 {
		return domain.CardRecord{}, &Error{Kind: KindInput, Status: http.StatusBadRequest, Message: "No file uploaded."}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if d.preparer != nil {
		payload, mediaType = d.preparer.Prepare(ctx, payload, mediaType)
	}

	raw, err := d.completer.Complete(ctx, payload, mediaType)
	if err != nil {
		return domain.CardRecord{}, Classify(err)
	}
	return ParseEnvelope(raw)
}
