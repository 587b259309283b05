package engine

import "errors"

var (
	// ErrSchedulerBinding means a coordinator was handed work for a
	// session other than the one it was built for.
	ErrSchedulerBinding = errors.New("coordinator is bound to a different session")

	// ErrContextLengthExceeded means the conversation would not fit the
	// model window even after bounded compaction retries.
	ErrContextLengthExceeded = errors.New("context length exceeded after compaction retries")

	// ErrMaxStepsExceeded means the tool loop hit its step ceiling
	// without the model producing a final answer.
	ErrMaxStepsExceeded = errors.New("maximum tool loop steps exceeded")

	// ErrPermissionDenied means policy forbids the requested operation.
	ErrPermissionDenied = errors.New("permission denied by policy")

	// ErrApprovalRejected means a human rejected the operation.
	ErrApprovalRejected = errors.New("approval rejected")

	// ErrApprovalTimeout means nobody responded to an approval request
	// in time. Distinct from rejection: the request stays pending.
	ErrApprovalTimeout = errors.New("approval timed out")
)
