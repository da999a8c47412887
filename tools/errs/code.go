package errs

// Error codes. HTTP-ish ranges so gateway handlers can map them directly.
const (
	ServerInternalError = 500

	UnauthorizedError     = 401
	ForbiddenError        = 403
	NotFoundError         = 404
	InvalidInputError     = 400
	ConflictError         = 409
	PayloadTooLargeError  = 413
	InvalidReferenceError = 422
	UnavailableError      = 503
)

var (
	ErrUnauthorized     = NewCodeError(UnauthorizedError, "unauthorized")
	ErrTokenExpired     = NewCodeError(UnauthorizedError, "token expired")
	ErrForbidden        = NewCodeError(ForbiddenError, "forbidden")
	ErrNotFound         = NewCodeError(NotFoundError, "not found")
	ErrInvalidInput     = NewCodeError(InvalidInputError, "invalid input")
	ErrConflict         = NewCodeError(ConflictError, "conflict")
	ErrPayloadTooLarge  = NewCodeError(PayloadTooLargeError, "payload too large")
	ErrInvalidReference = NewCodeError(InvalidReferenceError, "invalid reference")
	ErrUnavailable      = NewCodeError(UnavailableError, "temporarily unavailable")
	ErrInternal         = NewCodeError(ServerInternalError, "internal error")
)
