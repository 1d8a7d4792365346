package core

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"duepoint/internal/types"
)

// Validator wraps go-playground/validator and maps its failures onto the
// API error envelope.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a Validator with struct-tag validation enabled.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	return &Validator{validate: v}
}

// ValidateStruct checks dst's `validate` tags. On failure it returns a 400
// AppError whose details map field names to the violated rule.
func (v *Validator) ValidateStruct(dst interface{}) error {
	err := v.validate.Struct(dst)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewAppError(types.ErrCodeValidationMissingField,
			"request validation failed", err)
	}

	details := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		details[strings.ToLower(fe.Field())] = fe.Tag()
	}
	return types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
		"request validation failed", err, details)
}
