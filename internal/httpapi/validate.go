package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// decode reads a JSON body into dst and runs its validate tags. Every
// failure is a [cmerr.CodeValidation] error naming the offending fields.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return cmerr.Validation("request body is required")
		}
		return cmerr.Wrap(err, cmerr.CodeValidationFormat, "request body is not valid JSON")
	}
	return check(dst)
}

func check(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return cmerr.Wrap(err, cmerr.CodeValidation, "invalid request")
	}

	msgs := make([]string, 0, len(fieldErrs))
	fields := make(map[string]any, len(fieldErrs))
	for _, fe := range fieldErrs {
		msg := msgForTag(fe)
		msgs = append(msgs, fmt.Sprintf("%s %s", fe.Field(), msg))
		fields[fe.Field()] = msg
	}
	return cmerr.Validation(strings.Join(msgs, "; ")).WithDetails(fields)
}

func msgForTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "excludes":
		return fmt.Sprintf("must not contain %q", fe.Param())
	default:
		return fmt.Sprintf("failed on '%s' validation", fe.Tag())
	}
}
