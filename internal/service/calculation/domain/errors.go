package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput 表示调用方传入了超出约定范围的值，总是返回给调用方。
	ErrInvalidInput = errors.New("invalid calculation input")
	// ErrWorkerUnavailable 只在分发器内部使用，触发同步回退。
	ErrWorkerUnavailable = errors.New("calculation worker unavailable")
	// ErrCalculationTimeout 只在分发器内部使用，记录在超时回退的日志中。
	ErrCalculationTimeout = errors.New("calculation timed out")
)

// InvalidInputError 描述哪个字段违反了约定。errors.Is(err, ErrInvalidInput) 为真。
type InvalidInputError struct {
	Field  string
	Value  float64
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("%s: %s=%v %s", ErrInvalidInput.Error(), e.Field, e.Value, e.Reason)
}

func (e *InvalidInputError) Is(target error) bool {
	return target == ErrInvalidInput
}

func invalid(field string, value float64, reason string) error {
	return &InvalidInputError{Field: field, Value: value, Reason: reason}
}
