package utils

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

func ValidateStruct(s interface{}) error {
	return formatValidation(validate.Struct(s))
}

// ValidateVar validates a single value against a tag expression such as
// "required,max=100,dive,required".
func ValidateVar(name string, v interface{}, tag string) error {
	err := validate.Var(v, tag)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	// Only the first failure is reported; dive errors name the element.
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", name)
	case "min":
		return fmt.Errorf("%s must contain at least %s entries", name, fe.Param())
	case "max":
		return fmt.Errorf("%s must contain at most %s entries", name, fe.Param())
	}
	return fmt.Errorf("%s is invalid", name)
}

func formatValidation(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	// Format validation errors
	var errs []string
	for _, err := range verrs {
		field := strings.ToLower(err.Field())
		tag := err.Tag()
		param := err.Param()

		switch tag {
		case "required":
			errs = append(errs, field+" is required")
		case "min":
			errs = append(errs, field+" must be at least "+param+" characters")
		case "max":
			errs = append(errs, field+" must be at most "+param+" characters")
		case "email":
			errs = append(errs, field+" must be a valid email")
		default:
			errs = append(errs, field+" is invalid")
		}
	}

	return fmt.Errorf("%s", strings.Join(errs, ", "))
}
