package pinning

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// LocalPinner computes the CIDv1 (raw codec, sha2-256) of each document and keeps it in memory.
// Used for local development and tests; nothing is published.
type LocalPinner struct {
	mu        sync.RWMutex
	documents map[string][]byte
}

var _ IPinningService = (*LocalPinner)(nil)

var rawPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.Raw,
	MhType:   multihash.SHA2_256,
	MhLength: -1,
}

func NewLocalPinner() *LocalPinner {
	return &LocalPinner{documents: make(map[string][]byte)}
}

// ContentId returns the CID a document pins to.
func ContentId(document []byte) (string, error) {
	c, err := rawPrefix.Sum(document)
	if err != nil {
		return "", fmt.Errorf("failed to compute CID: %w", err)
	}
	return c.String(), nil
}

func (l *LocalPinner) PinJSON(_ context.Context, _ string, document []byte) (string, error) {
	id, err := ContentId(document)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPinFailed, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.documents[id] = bytes.Clone(document)
	return id, nil
}

// Get returns a copy of a pinned document.
func (l *LocalPinner) Get(id string) ([]byte, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	document, ok := l.documents[id]
	if !ok {
		return nil, false
	}
	return bytes.Clone(document), true
}

// ParseContentId checks that id is a CID and returns its multihash digest.
func ParseContentId(id string) ([]byte, error) {
	c, err := cid.Decode(id)
	if err != nil {
		return nil, err
	}
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return nil, err
	}
	return decoded.Digest, nil
}
