// Package validation содержит проверку входных данных на основе тегов validate.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/flashsale-system/internal/model"
)

// Validator проверяет структуры по тегам validate.
type Validator struct {
	v *validator.Validate
}

// Error описывает поля, не прошедшие проверку. Соответствует model.ErrInvalidInput.
type Error struct {
	Fields map[string]string
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, tag := range e.Fields {
		parts = append(parts, field+": "+tag)
	}
	sort.Strings(parts)
	return fmt.Sprintf("%s: %s", model.ErrInvalidInput, strings.Join(parts, ", "))
}

// Unwrap позволяет проверять ошибку через errors.Is(err, model.ErrInvalidInput).
func (e *Error) Unwrap() error {
	return model.ErrInvalidInput
}

// New создаёт валидатор. Значения decimal.Decimal проверяются как числа.
func New() *Validator {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return &Validator{v: v}
}

// Struct проверяет структуру и возвращает *Error со списком нарушений.
func (v *Validator) Struct(s any) error {
	err := v.v.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", model.ErrInvalidInput, err)
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Namespace()] = fe.Tag()
	}
	return &Error{Fields: fields}
}

// Fields возвращает нарушения из ошибки валидации или nil.
func Fields(err error) map[string]string {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Fields
	}
	return nil
}
