package checker

import "time"

// Result is the classified result of one login check.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	// ResultCanceled marks an attempt cut short by its caller, typically at
	// shutdown. It says nothing about the target.
	ResultCanceled Result = "canceled"
)

// Outcome is the result of a single login-check attempt.
type Outcome struct {
	Target string
	Result Result
	// Duration spans navigation start to success determination. It is zero
	// unless Result is ResultSuccess.
	Duration  time.Duration
	Err       *CheckError
	CheckedAt time.Time
}

// Succeeded reports whether the attempt was a success.
func (o Outcome) Succeeded() bool {
	return o.Result == ResultSuccess
}

// Reason returns the failure kind, or "" on success.
func (o Outcome) Reason() Kind {
	if o.Err == nil {
		return ""
	}
	return o.Err.Kind
}

// ErrorMessage returns the failure message, or "" on success.
func (o Outcome) ErrorMessage() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
