// Package validator validates API requests and configuration with
// struct tags.
package validator

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"cymbytes.com/deceptify/internal/deceptify/conversation"
)

// ValidationError represents a single validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ValidationResult holds the result of validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Error joins all messages.
func (r *ValidationResult) Error() string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Message)
	}
	return strings.Join(msgs, "; ")
}

// Validator wraps a configured go-playground validator.
type Validator struct {
	validate *validator.Validate
}

// New creates a new validator with the custom rules registered.
func New() *Validator {
	v := validator.New()

	// Report fields by their json or yaml name.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"json", "yaml"} {
			name := strings.SplitN(f.Tag.Get(tag), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name != "" {
				return name
			}
		}
		return f.Name
	})

	v.RegisterValidation("scenario", validateScenario)
	v.RegisterValidation("safe_path", validateSafePath)

	return &Validator{validate: v}
}

// Struct validates s and collects every failed rule.
func (v *Validator) Struct(s interface{}) *ValidationResult {
	result := &ValidationResult{Valid: true}

	err := v.validate.Struct(s)
	if err == nil {
		return result
	}

	result.Valid = false
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		result.Errors = append(result.Errors, ValidationError{Rule: "invalid", Message: err.Error()})
		return result
	}
	for _, e := range validationErrors {
		result.Errors = append(result.Errors, ValidationError{
			Field:   e.Namespace(),
			Rule:    e.Tag(),
			Message: formatValidationError(e),
		})
	}
	return result
}

func validateScenario(fl validator.FieldLevel) bool {
	_, err := conversation.ParseScenario(fl.Field().String())
	return err == nil
}

var shellMetachars = regexp.MustCompile("[;&|$`<>]")

func validateSafePath(fl validator.FieldLevel) bool {
	path := fl.Field().String()
	if path == "" {
		return true
	}
	for _, part := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return false
		}
	}
	return !shellMetachars.MatchString(path)
}

func formatValidationError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", e.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s", e.Field(), e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", e.Field(), e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", e.Field(), e.Param())
	case "gtfield":
		return fmt.Sprintf("%s must be greater than %s", e.Field(), e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", e.Field())
	case "email":
		return fmt.Sprintf("%s must be a valid email address", e.Field())
	case "scenario":
		return fmt.Sprintf("%s must be one of: Bank, Delivery, Hospital, FreeChat", e.Field())
	case "safe_path":
		return fmt.Sprintf("%s must not contain path traversal or shell metacharacters", e.Field())
	default:
		return fmt.Sprintf("%s failed validation: %s", e.Field(), e.Tag())
	}
}
