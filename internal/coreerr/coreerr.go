// Package coreerr defines the closed error-kind taxonomy from spec §7. Every
// error the core returns to a caller is, or wraps, one of these sentinels,
// so the Command Dispatcher can translate failures into a stable wire Kind
// without string-matching error text.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind is a stable, wire-safe identifier for an error category.
type Kind string

const (
	KindInvalidUpdate    Kind = "InvalidUpdate"
	KindEmptyName        Kind = "EmptyName"
	KindInvalidURL       Kind = "InvalidURL"
	KindInvalidDocument  Kind = "InvalidDocument"
	KindUnknownWindow    Kind = "UnknownWindow"
	KindUnknownWorkspace Kind = "UnknownWorkspace"
	KindDuplicateWindow  Kind = "DuplicateWindow"
	KindBatchRejected    Kind = "BatchRejected"
	KindStorageFailed    Kind = "StorageFailed"
	KindHostRefused      Kind = "HostRefused"
	KindHostTimeout      Kind = "HostTimeout"
	KindImportFailed     Kind = "ImportFailed"
	KindQueueSaturated   Kind = "QueueSaturated"
)

// Sentinel errors, one per Kind, for errors.Is comparisons.
var (
	ErrInvalidUpdate    = errors.New("invalid update")
	ErrEmptyName        = errors.New("empty name")
	ErrInvalidURL       = errors.New("invalid url")
	ErrInvalidDocument  = errors.New("invalid document")
	ErrUnknownWindow    = errors.New("unknown window")
	ErrUnknownWorkspace = errors.New("unknown workspace")
	ErrDuplicateWindow  = errors.New("duplicate window")
	ErrBatchRejected    = errors.New("batch rejected")
	ErrStorageFailed    = errors.New("storage failed")
	ErrHostRefused      = errors.New("host refused")
	ErrHostTimeout      = errors.New("host timeout")
	ErrImportFailed     = errors.New("import failed")
	ErrQueueSaturated   = errors.New("queue saturated")
)

var sentinelByKind = map[Kind]error{
	KindInvalidUpdate:    ErrInvalidUpdate,
	KindEmptyName:        ErrEmptyName,
	KindInvalidURL:       ErrInvalidURL,
	KindInvalidDocument:  ErrInvalidDocument,
	KindUnknownWindow:    ErrUnknownWindow,
	KindUnknownWorkspace: ErrUnknownWorkspace,
	KindDuplicateWindow:  ErrDuplicateWindow,
	KindBatchRejected:    ErrBatchRejected,
	KindStorageFailed:    ErrStorageFailed,
	KindHostRefused:      ErrHostRefused,
	KindHostTimeout:      ErrHostTimeout,
	KindImportFailed:     ErrImportFailed,
	KindQueueSaturated:   ErrQueueSaturated,
}

// CoreError is a typed error carrying the operation that failed and the
// underlying cause, in addition to its Kind.
type CoreError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *CoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *CoreError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return sentinelByKind[e.Kind]
}

// New builds a CoreError for op, wrapping cause (which may be nil, in which
// case the Kind's own sentinel is used as the cause on Unwrap).
func New(kind Kind, op string, cause error) *CoreError {
	return &CoreError{Kind: kind, Op: op, Err: cause}
}

// KindOf extracts the Kind of err, walking its Unwrap chain, defaulting to
// the empty Kind if err doesn't originate from this package.
func KindOf(err error) Kind {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	for kind, sentinel := range sentinelByKind {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}
