// Package config loads service configuration from struct tag defaults, an
// optional YAML or JSON file, and environment variables, in that order of
// increasing precedence.
//
// Three struct tags drive the loader:
//
//   - `env:"NAME"` binds a field to an environment variable. On a nested
//     struct the tag becomes a prefix for the child fields.
//   - `envDefault:"value"` fills a zero-valued field.
//   - `required:"true"` fails loading when the field is still zero.
//
// File values are decoded with the field's `yaml` or `json` tags.
//
//	type ServerConfig struct {
//	    Addr      string        `env:"ADDR" envDefault:":8080" yaml:"addr"`
//	    AccessTTL time.Duration `env:"ACCESS_TTL" envDefault:"1h" yaml:"access_ttl"`
//	}
//
//	cfg := config.MustLoad[ServerConfig](config.New().WithEnvPrefix("CLASSMARKET"))
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
)

// time.Duration has kind Int64 and needs ParseDuration.
var durationType = reflect.TypeOf(time.Duration(0))

// LookupFunc resolves an environment variable. os.LookupEnv is the default.
type LookupFunc func(key string) (string, bool)

// Loader resolves configuration layers into a struct. It is not safe for
// concurrent use.
type Loader struct {
	envPrefix string
	filePath  string
	lookup    LookupFunc
}

// New returns a Loader that reads the process environment only.
func New() *Loader {
	return &Loader{lookup: os.LookupEnv}
}

// WithEnvPrefix prepends PREFIX_ to every environment variable name.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = strings.ToUpper(prefix)
	return l
}

// WithFile sets an optional .yaml, .yml or .json file. A missing file is
// ignored; a path containing ".." is rejected at Load time.
func (l *Loader) WithFile(path string) *Loader {
	l.filePath = path
	return l
}

// WithLookup replaces the environment source, mainly for tests.
func (l *Loader) WithLookup(fn LookupFunc) *Loader {
	if fn != nil {
		l.lookup = fn
	}
	return l
}

// Load fills cfg, which must be a non-nil pointer to a struct, then checks
// required fields and calls Validate when cfg implements [Validator].
// Loading failures carry [cmerr.CodeInternalConfiguration]; validation
// failures carry [cmerr.CodeValidationRequired] or [cmerr.CodeValidation].
func (l *Loader) Load(cfg any) error {
	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return cmerr.New(cmerr.CodeInternalConfiguration,
			"config: Load requires a non-nil pointer to a struct")
	}
	rv = rv.Elem()

	if err := applyDefaults(rv); err != nil {
		return err
	}
	if l.filePath != "" {
		if err := l.loadFile(cfg); err != nil {
			return err
		}
	}
	if err := l.applyEnv(rv, l.envPrefix); err != nil {
		return err
	}
	return validate(cfg, rv)
}

// MustLoad loads a T and panics on failure. Intended for main.
func MustLoad[T any](loader *Loader) T {
	var cfg T
	if err := loader.Load(&cfg); err != nil {
		panic(fmt.Sprintf("config: MustLoad failed: %v", err))
	}
	return cfg
}

func (l *Loader) loadFile(cfg any) error {
	if strings.Contains(l.filePath, "..") {
		return cmerr.New(cmerr.CodeInternalConfiguration,
			"config: file path must not contain \"..\"")
	}

	data, err := os.ReadFile(l.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return cmerr.Wrapf(err, cmerr.CodeInternalConfiguration,
			"config: failed to read file %q", l.filePath)
	}

	switch ext := strings.ToLower(filepath.Ext(l.filePath)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".json":
		err = json.Unmarshal(data, cfg)
	default:
		return cmerr.Newf(cmerr.CodeInternalConfiguration,
			"config: unsupported file extension %q", ext)
	}
	if err != nil {
		return cmerr.Wrapf(err, cmerr.CodeInternalConfiguration,
			"config: failed to parse file %q", l.filePath)
	}
	return nil
}

func isNested(field reflect.Value) bool {
	return field.Kind() == reflect.Struct && field.Type() != durationType
}

func applyDefaults(rv reflect.Value) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() {
			continue
		}
		if isNested(field) {
			if err := applyDefaults(field); err != nil {
				return err
			}
			continue
		}
		def := sf.Tag.Get("envDefault")
		if def == "" || !field.IsZero() {
			continue
		}
		if err := setField(field, def); err != nil {
			return cmerr.Wrapf(err, cmerr.CodeInternalConfiguration,
				"config: bad default for field %q", sf.Name)
		}
	}
	return nil
}

func (l *Loader) applyEnv(rv reflect.Value, prefix string) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() {
			continue
		}
		tag := sf.Tag.Get("env")

		if isNested(field) {
			if err := l.applyEnv(field, joinKey(prefix, tag)); err != nil {
				return err
			}
			continue
		}
		if tag == "" {
			continue
		}

		key := joinKey(prefix, tag)
		val, ok := l.lookup(key)
		if !ok {
			continue
		}
		if err := setField(field, val); err != nil {
			return cmerr.Wrapf(err, cmerr.CodeInternalConfiguration,
				"config: cannot set field %q from %s", sf.Name, key)
		}
	}
	return nil
}

func joinKey(prefix, name string) string {
	switch {
	case prefix == "":
		return name
	case name == "":
		return prefix
	default:
		return prefix + "_" + name
	}
}

// setField parses value into field. Supported kinds: string (including
// named string types such as Secret), bool, signed and unsigned integers,
// floats, time.Duration and []string (comma separated).
func setField(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("cannot parse duration %q: %w", value, err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("cannot parse bool %q: %w", value, err)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse integer %q: %w", value, err)
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse unsigned integer %q: %w", value, err)
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse float %q: %w", value, err)
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, p := range parts {
			slice.Index(i).SetString(strings.TrimSpace(p))
		}
		field.Set(slice)
	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}
