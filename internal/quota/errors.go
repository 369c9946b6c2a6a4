package quota

import (
	"errors"
	"fmt"
)

// Error codes carried by QuotaExceededError.
const (
	CodeInstanceLimit = "InstanceLimitExceeded"
	CodeMetadataLimit = "MetadataLimitExceeded"
)

var ErrQuotaExceeded = errors.New("quota exceeded")

// QuotaExceededError is a normal rejection, not a fault. Message is meant for
// the end user.
type QuotaExceededError struct {
	Code    string
	Message string
}

func (e *QuotaExceededError) Error() string { return e.Message }

func (e *QuotaExceededError) Is(target error) bool { return target == ErrQuotaExceeded }

func instanceLimit(allowed int) *QuotaExceededError {
	msg := "Instance quota exceeded. You cannot run any more instances of this type."
	if allowed > 0 {
		msg = fmt.Sprintf("Instance quota exceeded. You can only run %d more instances of this type.", allowed)
	}
	return &QuotaExceededError{Code: CodeInstanceLimit, Message: msg}
}

func metadataLimit(format string, args ...any) *QuotaExceededError {
	return &QuotaExceededError{Code: CodeMetadataLimit, Message: fmt.Sprintf(format, args...)}
}
