package buyplan

import "errors"

var (
	// ErrNotFound indicates an unknown plan id or approval token.
	ErrNotFound = errors.New("buyplan: not found")
	// ErrPrecondition indicates the plan is not in a state that allows the operation.
	ErrPrecondition = errors.New("buyplan: precondition failed")
	// ErrForbidden indicates the caller's role does not permit the operation.
	ErrForbidden = errors.New("buyplan: forbidden")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("buyplan: validation failed")
)
