package config

import (
	"reflect"

	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
)

// Validator is implemented by configuration structs that need checks beyond
// `required` tags. Load calls Validate after the required check passes.
// *cmerr.Error values are returned unchanged; other errors are wrapped with
// [cmerr.CodeValidation].
type Validator interface {
	Validate() error
}

func validate(cfg any, rv reflect.Value) error {
	if err := validateRequired(rv, ""); err != nil {
		return err
	}
	v, ok := cfg.(Validator)
	if !ok {
		return nil
	}
	if err := v.Validate(); err != nil {
		if _, isStructured := cmerr.AsError(err); isStructured {
			return err
		}
		return cmerr.Wrap(err, cmerr.CodeValidation, "config: validation failed")
	}
	return nil
}

// validateRequired walks nested structs; path is the dotted field path used
// in error messages ("Postgres.Host").
func validateRequired(rv reflect.Value, path string) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() {
			continue
		}

		fieldPath := sf.Name
		if path != "" {
			fieldPath = path + "." + sf.Name
		}

		if field.Kind() == reflect.Struct {
			if err := validateRequired(field, fieldPath); err != nil {
				return err
			}
			continue
		}
		if sf.Tag.Get("required") == "true" && field.IsZero() {
			return cmerr.Newf(cmerr.CodeValidationRequired,
				"config: required field %q is empty", fieldPath)
		}
	}
	return nil
}
