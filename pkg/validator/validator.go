package validator

import (
	"fmt"
	"html"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := &Validator{
		validate: validator.New(),
	}
	v.registerCustomValidations()
	return v
}

func (v *Validator) Validate(i interface{}) error {
	if err := v.validate.Struct(i); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			var errMessages []string
			for _, e := range validationErrors {
				errMessages = append(errMessages, fmt.Sprintf(
					"Field '%s' failed validation '%s'",
					e.Field(),
					e.Tag(),
				))
			}
			return fmt.Errorf("validation failed: %v", errMessages)
		}
		return err
	}
	return nil
}

func (v *Validator) registerCustomValidations() {
	// decimal.Decimal is validated as float64 for gt/gte checks
	v.validate.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if val, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := val.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	_ = v.validate.RegisterValidation("user_mode", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "TPM", "EPS":
			return true
		}
		return false
	})

	_ = v.validate.RegisterValidation("cycle_start_mode", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "CLUSTER", "IMMEDIATE":
			return true
		}
		return false
	})
}

// Sanitize cleans free-text input such as rejection reasons.
func Sanitize(input string) string {
	return html.EscapeString(strings.TrimSpace(input))
}
