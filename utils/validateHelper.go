package utils

import "github.com/go-playground/validator/v10"

// ProcessValidationErrors flattens binding failures into a field -> tag map
// for API responses. Returns nil when err is not a set of validation errors.
func ProcessValidationErrors(err error) map[string]string {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return nil
	}

	errorResponse := make(map[string]string)
	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}
	return errorResponse
}
