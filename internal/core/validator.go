package core

import (
	"errors"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"billingsync/internal/types"
)

// ValidationError describes one failed field rule.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Validator wraps go-playground/validator and registers the billing rules.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a new Validator and registers custom validation tags:
//
//   - billing_cycle: "monthly" or "yearly"
//   - portal_flow: empty or one of the supported hosted portal flows
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report JSON field names rather than Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	_ = v.RegisterValidation("billing_cycle", func(fl validator.FieldLevel) bool {
		return types.BillingCycle(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("portal_flow", func(fl validator.FieldLevel) bool {
		return types.PortalFlow(fl.Field().String()).Valid()
	})

	return &Validator{validate: v, logger: logger}
}

// ValidateStruct validates s and returns a *types.AppError whose code is that
// of the first failure and whose details list every failure under
// "validation_errors".
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		v.logger.Error("validator misuse", "error", err)
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	out := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, toValidationError(fe))
	}
	return types.NewAppErrorWithDetails(
		types.ErrorCode(out[0].Code),
		out[0].Message,
		err,
		map[string]any{"validation_errors": out},
	)
}

func toValidationError(fe validator.FieldError) ValidationError {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return ValidationError{Field: field, Code: string(types.ErrCodeValidationMissingField), Message: field + " is required"}
	case "billing_cycle":
		return ValidationError{Field: field, Code: string(types.ErrCodeValidationInvalidField), Message: field + " must be monthly or yearly"}
	case "portal_flow":
		return ValidationError{Field: field, Code: string(types.ErrCodeValidationInvalidField), Message: field + " is not a supported portal flow"}
	case "min", "max":
		return ValidationError{Field: field, Code: string(types.ErrCodeValidationInvalidField), Message: field + " is out of range (" + fe.Tag() + "=" + fe.Param() + ")"}
	default:
		return ValidationError{Field: field, Code: string(types.ErrCodeValidationInvalidField), Message: field + " is invalid"}
	}
}
