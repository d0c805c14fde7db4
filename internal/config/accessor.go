package config

import (
	"encoding"
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// GetByPath returns the value at a dot-notation path of json names
// (e.g. "security.rateLimitMessages").
func GetByPath(cfg *Config, path string) (any, error) {
	f, err := lookup(cfg, path)
	if err != nil {
		return nil, err
	}
	return f.Interface(), nil
}

// SetByPath parses value according to the type of the field at path and
// stores it. Lists such as security.whitelist take a comma-separated string.
func SetByPath(cfg *Config, path, value string) error {
	f, err := lookup(cfg, path)
	if err != nil {
		return err
	}
	if f.Kind() == reflect.Struct {
		return fmt.Errorf("%s is a section, not a value", path)
	}
	if tu, ok := f.Addr().Interface().(encoding.TextUnmarshaler); ok {
		return tu.UnmarshalText([]byte(value))
	}

	switch f.Kind() {
	case reflect.String:
		f.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s expects true or false, got %q", path, value)
		}
		f.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%s expects an integer, got %q", path, value)
		}
		f.SetInt(n)
	case reflect.Float64:
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%s expects a number, got %q", path, value)
		}
		f.SetFloat(n)
	default:
		return fmt.Errorf("%s has unsupported type %s", path, f.Type())
	}
	return nil
}

// UpdateFile sets one value in the config file at path, creating the file
// from defaults when it does not exist. Only the file layer is rewritten:
// values that come from .env or the environment never reach the file and
// ${VAR} placeholders are kept. The effective configuration that would
// result is validated before anything is written.
func UpdateFile(path, key, value string) error {
	_ = godotenv.Load()

	cfg := Defaults()
	if _, err := os.Stat(ExpandPath(path)); err == nil {
		if cfg, err = LoadFile(path); err != nil {
			return err
		}
	}
	if err := SetByPath(cfg, key, value); err != nil {
		return err
	}

	data, err := encode(path, cfg)
	if err != nil {
		return err
	}
	if _, err := resolve(path, data); err != nil {
		return err
	}
	return Save(ExpandPath(path), cfg)
}

// lookup resolves a dot path to an addressable field by json tag names.
// Matching is case-insensitive so "ai.apikey" works from a shell.
func lookup(cfg *Config, path string) (reflect.Value, error) {
	if path == "" {
		return reflect.Value{}, fmt.Errorf("empty path")
	}
	v := reflect.ValueOf(cfg).Elem()
	for _, key := range strings.Split(path, ".") {
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("key not found: %s", path)
		}
		next, ok := fieldByJSONName(v, key)
		if !ok {
			return reflect.Value{}, fmt.Errorf("key not found: %s", path)
		}
		v = next
	}
	return v, nil
}

func fieldByJSONName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := range t.NumField() {
		if strings.EqualFold(jsonName(t.Field(i)), name) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "" {
		return f.Name
	}
	return name
}

// Sanitize returns a copy of the config with credentials masked.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var copy Config
	if err := json.Unmarshal(data, &copy); err != nil {
		return cfg
	}

	for _, secret := range []*string{
		&copy.General.SecretKey,
		&copy.Providers.Twilio.AuthToken,
		&copy.Providers.Meta.AccessToken,
		&copy.Providers.Meta.AppSecret,
		&copy.Providers.Meta.VerifyToken,
		&copy.Providers.WAHA.APIKey,
		&copy.AI.APIKey,
	} {
		if *secret != "" {
			*secret = maskString(*secret)
		}
	}

	return &copy
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every settable path with its current value, including
// empty optional fields that JSON output would omit.
func ListPaths(cfg *Config) map[string]any {
	out := make(map[string]any)
	collectPaths("", reflect.ValueOf(cfg).Elem(), out)
	return out
}

func collectPaths(prefix string, v reflect.Value, out map[string]any) {
	t := v.Type()
	for i := range t.NumField() {
		path := jsonName(t.Field(i))
		if prefix != "" {
			path = prefix + "." + path
		}
		f := v.Field(i)
		if f.Kind() == reflect.Struct {
			collectPaths(path, f, out)
			continue
		}
		out[path] = f.Interface()
	}
}
