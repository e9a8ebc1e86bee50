// Package errs holds the error taxonomy surfaced via ScrapeResult.ErrorKind
// (§7). It mirrors the teacher's models.ScrapeError: a single wrapping error
// type carrying a stable code string, never a family of sentinel errors.
package errs

import "fmt"

// Kind is one of the §7 error tags.
type Kind string

const (
	Network       Kind = "NETWORK"
	Challenge     Kind = "CHALLENGE"
	Model         Kind = "MODEL"
	Configuration Kind = "CONFIGURATION"
	Extraction    Kind = "EXTRACTION"
	Unknown       Kind = "UNKNOWN"
)

// EngineError is the internal error type carrying a §7 taxonomy tag.
type EngineError struct {
	Kind    Kind
	Message string
	Err     error
}

func New(kind Kind, message string, cause error) *EngineError {
	return &EngineError{Kind: kind, Message: message, Err: cause}
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EngineError) Unwrap() error { return e.Err }

// KindOf extracts the taxonomy tag from err, defaulting to Unknown when err
// is not an *EngineError.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if ee, ok := err.(*EngineError); ok {
		return ee.Kind
	}
	return Unknown
}
