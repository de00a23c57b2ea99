// Package pinning publishes JSON documents to content-addressed storage.
package pinning

import (
	"context"
	"errors"
)

var ErrPinFailed = errors.New("failed to pin document")

type IPinningService interface {
	// PinJSON publishes a JSON document and returns its content hash.
	PinJSON(ctx context.Context, name string, document []byte) (string, error)
}
