package oxidb

import "github.com/oxidb/oxidb/internal/storage"

// Kind discriminates OxiDB's error taxonomy: callers can distinguish
// NotFound (a negative lookup result) from IO/Corruption/Capacity/TxState
// failures without string-matching error text.
type Kind = storage.ErrKind

const (
	KindIO          = storage.KindIOErr
	KindCorruption  = storage.KindCorruptionErr
	KindNotFound    = storage.KindNotFoundErr
	KindCapacity    = storage.KindCapacityErr
	KindTxState     = storage.KindTxStateErr
)

// Error is OxiDB's error type: every error returned across the public API
// satisfies this via errors.As, exposing which Kind it is and the
// underlying cause via Unwrap.
type Error = storage.Error
