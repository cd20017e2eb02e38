// Package validation wraps go-playground/validator with the custom
// tags used by the payment models.
package validation

import (
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/velopay/orchestrator/pkg/errors"
)

var (
	once     sync.Once
	validate *validator.Validate

	currencyCodeRe = regexp.MustCompile(`^[A-Z]{3,5}$`)
)

// Validator returns the process-wide validator instance with custom
// tags registered.
func Validator() *validator.Validate {
	once.Do(func() {
		validate = validator.New()
		// ISO 4217 style code, extended to 5 chars for crypto tickers.
		_ = validate.RegisterValidation("currency_code", func(fl validator.FieldLevel) bool {
			return currencyCodeRe.MatchString(fl.Field().String())
		})
	})
	return validate
}

// Struct validates a request struct and converts field failures into
// the engine's ValidationError with per-field details.
func Struct(s interface{}) error {
	err := Validator().Struct(s)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.Validation(err.Error())
	}
	out := errors.Validation("request failed validation")
	for _, fe := range verrs {
		out = out.WithField(fe.Field(), fe.Tag())
	}
	return out
}
