package httpapi

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// getValidator returns the shared validator. Field names in errors are the
// JSON names so they can be returned to clients as-is.
func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// formatValidationError turns validator errors into a field -> message map.
func formatValidationError(err error) map[string]any {
	errs := make(map[string]any)

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		errs["body"] = "Invalid request format"
		return errs
	}

	for _, e := range validationErrors {
		field := strings.TrimPrefix(e.Namespace(), strings.SplitN(e.Namespace(), ".", 2)[0]+".")
		switch e.Tag() {
		case "required":
			errs[field] = "This field is required"
		case "uuid":
			errs[field] = "Must be a UUID"
		case "min":
			errs[field] = fmt.Sprintf("Must be at least %s", e.Param())
		case "max":
			errs[field] = fmt.Sprintf("Must be at most %s", e.Param())
		default:
			errs[field] = "Invalid value"
		}
	}
	return errs
}
