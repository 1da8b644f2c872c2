package v1

import "errors"

// Sentinel errors shared by the store, hub, and client layers. The
// management API maps them onto the wire error codes.
var (
	ErrNotFound          = errors.New("orchestration instance not found")
	ErrDuplicateInstance = errors.New("orchestration instance already exists")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotCompleted      = errors.New("orchestration has not completed")
	ErrIgnoreInstance    = errors.New("instance ignored")
	ErrTimeout           = errors.New("timed out waiting for orchestration")
)

// ErrorCode maps an error to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return ErrorCodeNotFound
	case errors.Is(err, ErrDuplicateInstance):
		return ErrorCodeAlreadyExists
	case errors.Is(err, ErrInvalidArgument):
		return ErrorCodeInvalidArgument
	case errors.Is(err, ErrTimeout):
		return ErrorCodeCancelled
	default:
		return ErrorCodeInternal
	}
}
