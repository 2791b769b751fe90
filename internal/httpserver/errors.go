package httpserver

const (
	ErrInvalidJSON  = "invalid json"
	ErrMissingID    = "missing id"
	ErrDependency   = "dependency error"
	ErrNotFound     = "not found"
	ErrForbidden    = "forbidden"
	ErrUnknownEvent = "unknown event type"
)
