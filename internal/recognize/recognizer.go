// Package recognize turns one card image into a CardRecord, either through
// the HTTP gateway or in-process against the provider.
package recognize

import (
	"context"

	"github.com/dunamismax/cardscan/internal/domain"
)

// Recognizer performs one recognition round-trip. Implementations must
// return within a bounded time and never retry.
type Recognizer interface {
	Recognize(ctx context.Context, payload []byte, mediaType string) (domain.CardRecord, error)
}

type RecognizerFunc func(ctx context.Context, payload []byte, mediaType string) (domain.CardRecord, error)

func (f RecognizerFunc) Recognize(ctx context.Context, payload []byte, mediaType string) (domain.CardRecord, error) {
	return f(ctx, payload, mediaType)
}
