package blockchain

import (
	"errors"
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

type ErrorKind string

const (
	ErrorKindLogResponseLimit ErrorKind = "LOG_RESPONSE_LIMIT"
	ErrorKindOther            ErrorKind = "OTHER"
)

// ErrLogResponseLimit matches any ReadError whose node refused to return a log range because
// the response would be too large.
var ErrLogResponseLimit = errors.New("log response size limit exceeded")

// ReadError is returned for every failed chain read. Kind is decided here, at the RPC boundary,
// so callers never inspect error text.
type ReadError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("blockchain read %s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

func (e *ReadError) Is(target error) bool {
	return target == ErrLogResponseLimit && e.Kind == ErrorKindLogResponseLimit
}

// messages nodes use when a log query is too large
var logLimitMarkers = []string{
	"log response size exceeded",
	"query returned more than",
}

func isLogLimitMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range logLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// newReadError wraps an RPC failure with its operation and classifies it.
func newReadError(op string, err error) *ReadError {
	kind := ErrorKindOther
	if isLogLimitMessage(err.Error()) {
		kind = ErrorKindLogResponseLimit
	}
	return &ReadError{
		Kind: kind,
		Op:   op,
		Err:  pkgerrors.Wrap(err, op),
	}
}

// KindOf returns the ReadError kind in err's chain, or ErrorKindOther.
func KindOf(err error) ErrorKind {
	var readErr *ReadError
	if errors.As(err, &readErr) {
		return readErr.Kind
	}
	return ErrorKindOther
}
