package services

import (
	"errors"
	"fmt"
)

var (
	ErrRuleNotFound      = errors.New("rule not found")
	ErrRecordNotFound    = errors.New("execution record not found")
	ErrTenantNotFound    = errors.New("tenant not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrValidation        = errors.New("validation failed")
	ErrCircuitOpen       = errors.New("circuit breaker open")
)

// ValidationError 规则保存时的配置错误，errors.Is(err, ErrValidation) 为真
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
