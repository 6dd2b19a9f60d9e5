package errors

// ErrorCategory groups codes by what a caller can do about them.
type ErrorCategory string

const (
	// CategoryValidation: the request was refused before anything changed,
	// such as an empty description or a workspace without routes.
	CategoryValidation ErrorCategory = "validation"

	// CategoryTransient: the store or the surface was unavailable or slow.
	// Trying again may work.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent: trying again gives the same answer, such as a
	// task someone else already claimed.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource: the surface call budget is spent for now.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal: a bug.
	CategoryInternal ErrorCategory = "internal"
)

func (c ErrorCategory) String() string { return string(c) }

// IsRetryable reports whether a later attempt can succeed.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient || c == CategoryResource
}

// ErrorCode names one failure.
type ErrorCode string

const (
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrCodeMisconfigured ErrorCode = "MISCONFIGURED" // workspace routes incomplete
	ErrCodeConflict      ErrorCode = "CONFLICT"      // lost a compare-and-set, or ref bound elsewhere
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeForbidden     ErrorCode = "FORBIDDEN" // surface refused
	ErrCodeCanceled      ErrorCode = "CANCELED"
	ErrCodeStorage       ErrorCode = "STORAGE"
	ErrCodeSurface       ErrorCode = "SURFACE"
	ErrCodeTimeout       ErrorCode = "TIMEOUT"
	ErrCodeRateLimit     ErrorCode = "RATE_LIMITED"
	ErrCodeInternal      ErrorCode = "INTERNAL"
)

type codeInfo struct {
	category    ErrorCategory
	description string
}

var codes = map[ErrorCode]codeInfo{
	ErrCodeInvalidInput:  {CategoryValidation, "invalid input provided"},
	ErrCodeMisconfigured: {CategoryValidation, "channel routes not configured"},
	ErrCodeConflict:      {CategoryPermanent, "conflicting operation"},
	ErrCodeNotFound:      {CategoryPermanent, "not found"},
	ErrCodeForbidden:     {CategoryPermanent, "access denied"},
	ErrCodeCanceled:      {CategoryPermanent, "operation canceled"},
	ErrCodeStorage:       {CategoryTransient, "storage failure"},
	ErrCodeSurface:       {CategoryTransient, "messaging surface failure"},
	ErrCodeTimeout:       {CategoryTransient, "operation timed out"},
	ErrCodeRateLimit:     {CategoryResource, "rate limit exceeded"},
	ErrCodeInternal:      {CategoryInternal, "internal error"},
}

func (c ErrorCode) String() string { return string(c) }

// DefaultCategory is the category an Error with this code gets. Unknown
// codes are internal.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	if info, ok := codes[c]; ok {
		return info.category
	}
	return CategoryInternal
}

// Description is the message used when an Error is created without one.
func (c ErrorCode) Description() string {
	if info, ok := codes[c]; ok {
		return info.description
	}
	return "unknown error"
}
