package medication

import "errors"

// Error classes. Callers test with errors.Is; every operation wraps one of
// these with context.
var (
	ErrInvalidInput           = errors.New("invalid input")
	ErrUnsupportedUnit        = errors.New("unsupported unit conversion")
	ErrNotFound               = errors.New("not found")
	ErrSourceUnavailable      = errors.New("source unavailable")
	ErrStateConflict          = errors.New("state conflict")
	ErrValidationBlocked      = errors.New("validation blocked")
	ErrWarningsUnacknowledged = errors.New("warnings unacknowledged")
)

// ErrorClass maps an error onto the name of its class, used in API payloads
// and result records. Unclassified errors map to "Internal".
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "InvalidInput"
	case errors.Is(err, ErrUnsupportedUnit):
		return "UnsupportedUnit"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrSourceUnavailable):
		return "SourceUnavailable"
	case errors.Is(err, ErrStateConflict):
		return "StateConflict"
	case errors.Is(err, ErrValidationBlocked):
		return "ValidationBlocked"
	case errors.Is(err, ErrWarningsUnacknowledged):
		return "WarningsUnacknowledged"
	}
	return "Internal"
}
