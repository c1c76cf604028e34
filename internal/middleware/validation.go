package middleware

import (
	"reflect"
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	domainvalidator "github.com/jwalitptl/consent-api/pkg/validator"
)

func validationMessages() map[string]string {
	return map[string]string{
		"required":    "Field is required",
		"email":       "Invalid email format",
		"uuid":        "Invalid identifier",
		"scope_item":  "Unknown data attribute",
		"blood_group": "Invalid blood group",
	}
}

// RegisterValidators adds the domain tags to gin's validator and reports fields by their
// JSON names. Call once before serving.
func RegisterValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return nil
	}
	if err := domainvalidator.Register(v); err != nil {
		return err
	}
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return nil
}
