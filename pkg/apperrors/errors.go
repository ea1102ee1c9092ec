package apperrors

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrUnsupportedSchema  = errors.New("unsupported schema version")
	ErrInvalidPayload     = errors.New("invalid upstream payload")
	ErrMissingCredentials = errors.New("upstream credentials missing or rejected")
	ErrUnknownOrigin      = errors.New("unknown origin reference")
	ErrFatal              = errors.New("fatal configuration error")
)

// IsFatal reports whether err belongs to the class that aborts a whole run
// rather than a single record.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal) ||
		errors.Is(err, ErrMissingCredentials) ||
		errors.Is(err, ErrUnknownOrigin)
}

// IsStructural reports whether err describes data that will never succeed on
// retry (bad shape, unsupported version).
func IsStructural(err error) bool {
	return errors.Is(err, ErrInvalidPayload) || errors.Is(err, ErrUnsupportedSchema)
}
