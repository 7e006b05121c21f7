package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound        = errors.New("scan session not found")
	ErrUnrecoverableSession   = errors.New("scan session is not recoverable")
	ErrInvalidInput           = errors.New("invalid input")
	ErrPolicyViolation        = errors.New("policy violation")
	ErrTemporary              = errors.New("temporary failure")
	ErrCodeNotFound           = errors.New("identification code not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
