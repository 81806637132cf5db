package validator

import (
	"fmt"
	"html"
	"math"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"paygate/pkg/errors"
)

type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := &Validator{
		validate: validator.New(),
	}
	v.validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	v.registerCustomValidations()
	return v
}

// Validate returns a *errors.ValidationError naming the first failing field.
func (v *Validator) Validate(i interface{}) error {
	fields := v.ValidateStructured(i)
	if fields == nil {
		return nil
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return &errors.ValidationError{Field: names[0], Reason: fields[names[0]]}
}

// ValidateStructured returns a map of field -> error message for API responses
func (v *Validator) ValidateStructured(i interface{}) map[string]string {
	errs := make(map[string]string)
	if err := v.validate.Struct(i); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			for _, e := range validationErrors {
				msg := fmt.Sprintf("failed validation on '%s'", e.Tag())
				switch e.Tag() {
				case "required":
					msg = "is required"
				case "gt":
					msg = fmt.Sprintf("must be greater than %s", e.Param())
				case "min":
					msg = fmt.Sprintf("must be at least %s characters", e.Param())
				case "max":
					msg = fmt.Sprintf("must be at most %s characters", e.Param())
				case "whole":
					msg = "must be a whole number"
				case "msisdn":
					msg = "must be a Kenyan mobile number (07XXXXXXXX, 01XXXXXXXX or 254XXXXXXXXX)"
				case "reference":
					msg = "may only contain letters, digits, '-', '_' and '.'"
				case "oneof":
					msg = fmt.Sprintf("must be one of [%s]", e.Param())
				case "url":
					msg = "must be a valid URL"
				}
				errs[e.Field()] = msg
			}
		} else {
			errs["_global"] = err.Error()
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

var (
	nonDigit         = regexp.MustCompile(`\D`)
	msisdnPattern    = regexp.MustCompile(`^(254\d{9}|0[17]\d{8})$`)
	referencePattern = regexp.MustCompile(`^[A-Za-z0-9._\-]+$`)
)

func (v *Validator) registerCustomValidations() {
	// Register decimal.Decimal to be validated as float64 for gt/lt checks
	v.validate.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if val, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := val.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	// The provider only moves whole shillings.
	_ = v.validate.RegisterValidation("whole", func(fl validator.FieldLevel) bool {
		f := fl.Field().Float()
		return f == math.Trunc(f)
	})

	_ = v.validate.RegisterValidation("msisdn", func(fl validator.FieldLevel) bool {
		digits := nonDigit.ReplaceAllString(fl.Field().String(), "")
		return msisdnPattern.MatchString(digits)
	})

	_ = v.validate.RegisterValidation("reference", func(fl validator.FieldLevel) bool {
		return referencePattern.MatchString(strings.TrimSpace(fl.Field().String()))
	})
}

// Sanitize cleans string input to prevent XSS attacks
func Sanitize(input string) string {
	return html.EscapeString(strings.TrimSpace(input))
}
