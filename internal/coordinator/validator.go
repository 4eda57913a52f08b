package coordinator

import (
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// reqValidator adapts go-playground/validator to echo.Validator, the
// standard wiring for every echo service in this stack.
type reqValidator struct {
	validate *validator.Validate
}

// NewValidator builds the echo.Validator every coordinator route group uses.
func NewValidator() echo.Validator {
	return &reqValidator{validate: validator.New()}
}

func (v *reqValidator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}
