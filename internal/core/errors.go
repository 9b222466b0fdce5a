package core

import "errors"

// Error taxonomy shared by every component. Callers wrap these with
// fmt.Errorf("...: %w") and test with errors.Is.
var (
	ErrUnauthorized          = errors.New("unauthorized")
	ErrNoMatchingPipeline    = errors.New("no matching pipeline")
	ErrNotFound              = errors.New("not found")
	ErrDuplicateNameConflict = errors.New("duplicate name conflict")
	ErrTimeout               = errors.New("timeout")
	ErrToolFailure           = errors.New("tool failure")
	ErrDeployRejected        = errors.New("deploy rejected")
	ErrMissingPlaceholder    = errors.New("missing placeholder")
	ErrAborted               = errors.New("aborted")
	ErrCyclicDependency      = errors.New("cyclic dependency")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrHandleRevoked         = errors.New("credential handle revoked")
	ErrInvalidPipeline       = errors.New("invalid pipeline")
)

// ReasonFor maps an error to the reason code recorded on a failed stage.
// Unknown errors are reported as tool failures.
func ReasonFor(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrTimeout):
		return ReasonTimeout
	case errors.Is(err, ErrAborted):
		return ReasonAborted
	case errors.Is(err, ErrDeployRejected):
		return ReasonDeployRejected
	case errors.Is(err, ErrMissingPlaceholder):
		return ReasonMissingPlaceholder
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	default:
		return ReasonToolFailure
	}
}
