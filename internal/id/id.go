package id

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random job identity. Job identity never derives from the
// uploaded file name.
func New() string {
	return uuid.NewString()
}

func NewBatch() string {
	return "batch_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
