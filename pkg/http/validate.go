package http

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

var validate = newValidator()

// newValidator reports fields by their query or json name so problems
// match what the client sent.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"query", "json", "param"} {
			if name := strings.Split(f.Tag.Get(tag), ",")[0]; name != "" && name != "-" {
				return name
			}
		}
		return f.Name
	})
	return v
}

// ReadAndValidateRequest binds req, fills defaults for fields the client
// left out and validates the result. It returns nil when req is usable.
func ReadAndValidateRequest(c echo.Context, req interface{}) []Problem {
	if err := c.Bind(req); err != nil {
		return toProblems(err)
	}
	if err := defaults.Set(req); err != nil {
		return toProblems(err)
	}
	if err := validate.StructCtx(c.Request().Context(), req); err != nil {
		return toProblems(err)
	}
	return nil
}

func toProblems(err error) []Problem {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		out := make([]Problem, len(verrs))
		for i, fe := range verrs {
			out[i] = Problem{
				Code:    "ERR_" + strings.ToUpper(fe.Tag()),
				Field:   fe.Field(),
				Message: describe(fe),
				Params:  params(fe),
			}
		}
		return out
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return []Problem{{Code: "ERR_BIND", Message: fmt.Sprint(he.Message)}}
	}
	return []Problem{{Code: "ERR_UNKNOWN", Message: err.Error()}}
}

var bounds = map[string]string{
	"min": "at least",
	"gte": "greater than or equal to",
	"gt":  "greater than",
	"max": "at most",
	"lte": "less than or equal to",
	"lt":  "less than",
}

func describe(fe validator.FieldError) string {
	field, tag := fe.Field(), fe.Tag()
	if phrase, ok := bounds[tag]; ok {
		if fe.Kind() == reflect.String && (tag == "min" || tag == "max") {
			return fmt.Sprintf("%s must be %s %s characters", field, phrase, fe.Param())
		}
		return fmt.Sprintf("%s must be %s %s", field, phrase, fe.Param())
	}
	switch tag {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	}
	return fmt.Sprintf("%s failed validation: %s", field, tag)
}

func params(fe validator.FieldError) map[string]interface{} {
	switch fe.Tag() {
	case "min", "gte":
		return map[string]interface{}{"min": fe.Param()}
	case "max", "lte":
		return map[string]interface{}{"max": fe.Param()}
	case "gt", "lt":
		return map[string]interface{}{"value": fe.Param()}
	case "oneof":
		return map[string]interface{}{"options": strings.Fields(fe.Param())}
	}
	return nil
}
