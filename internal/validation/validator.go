package validation

import (
	"errors"
	"reflect"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
)

// New returns a configured validator with the custom tags used across the service registered.
//
//	stripeid=cs   value must look like a Stripe object id with the given prefix (cs_..., vs_...)
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// errors in this service surface as JSON, so report json field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	_ = v.RegisterValidation("stripeid", stripeIDValidation)

	return v
}

// stripeIDValidation checks the prefix Stripe puts on object ids ("cs_test_a1b2" for checkout sessions).
func stripeIDValidation(fl validatorv10.FieldLevel) bool {
	id := fl.Field().String()
	prefix := fl.Param() + "_"
	return strings.HasPrefix(id, prefix) && len(id) > len(prefix)
}

// FieldErrors flattens a validation error into field -> tag, suitable for logs and error bodies.
func FieldErrors(err error) map[string]string {
	out := map[string]string{}
	var ve validatorv10.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			out[fe.Field()] = fe.Tag()
		}
	} else if err != nil {
		out["error"] = err.Error()
	}
	return out
}
