package domain

import "fmt"

// EnforcerError is the unified error type for the enforcement core.
// Each error has a numeric code and human-readable message.
type EnforcerError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *EnforcerError) Error() string {
	return fmt.Sprintf("enforcer error %d: %s", e.Code, e.Message)
}

// Is matches errors by code so wrapped copies still compare equal to the sentinels.
func (e *EnforcerError) Is(target error) bool {
	t, ok := target.(*EnforcerError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewEnforcerError creates a new EnforcerError.
func NewEnforcerError(code int, msg string) *EnforcerError {
	return &EnforcerError{Code: code, Message: msg}
}

// WrapEnforcerError creates an EnforcerError that includes a cause.
func WrapEnforcerError(code int, msg string, cause error) *EnforcerError {
	return &EnforcerError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// ---- Rule / Execution errors (-32010 to -32039) ----

var (
	ErrRuleNotFound      = &EnforcerError{Code: -32010, Message: "rule not found"}
	ErrRuleInvalid       = &EnforcerError{Code: -32011, Message: "invalid rule definition"}
	ErrExecutionNotFound = &EnforcerError{Code: -32012, Message: "execution not found"}
	ErrOptimisticLock    = &EnforcerError{Code: -32015, Message: "optimistic lock conflict: state was modified concurrently"}
)

// ---- Guard errors (-32100 to -32129) ----

var (
	ErrRateLimitExceeded = &EnforcerError{Code: -32103, Message: "rate limit exceeded"}
)

// ---- Store / Config errors (-32130 to -32159) ----

var (
	ErrStoreInit       = &EnforcerError{Code: -32130, Message: "failed to initialize store"}
	ErrSchemaMigration = &EnforcerError{Code: -32133, Message: "schema migration failed"}
	ErrStateMissing    = &EnforcerError{Code: -32134, Message: "singleton row missing"}
	ErrConfigInvalid   = &EnforcerError{Code: -32136, Message: "invalid configuration"}
)
