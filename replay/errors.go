package replay

import "fmt"

// ErrorKind is a closed set of error categories the engine can raise,
// replacing ad-hoc error objects with a typed enum callers can switch on.
type ErrorKind string

const (
	ErrKindTransportConnect   ErrorKind = "transport_connect"
	ErrKindStreamHung         ErrorKind = "stream_hung"
	ErrKindEmptyPageNoCursor  ErrorKind = "empty_page_no_cursor"
	ErrKindMalformedItem      ErrorKind = "malformed_item"
	ErrKindPageAssemblyTimeout ErrorKind = "page_assembly_timeout"
	ErrKindQuotaExceeded      ErrorKind = "quota_exceeded"
	ErrKindGetAccountFailure  ErrorKind = "get_account_failure"
	ErrKindCancelled          ErrorKind = "cancelled"
	ErrKindBackfillFatal      ErrorKind = "backfill_fatal"
)

// ReplayError wraps an underlying cause with a classified kind so callers
// can apply per-kind retry policy without string matching.
type ReplayError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *ReplayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ReplayError) Unwrap() error { return e.Cause }

func newErr(kind ErrorKind, msg string, cause error) *ReplayError {
	return &ReplayError{Kind: kind, Message: msg, Cause: cause}
}
