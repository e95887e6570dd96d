package loom

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Source is a config layer that serializes itself into a nested
// key/value structure. Later sources override earlier ones.
type Source interface {
	Apply(store map[string]any) error
}

// Config is the capability the core consumes for typed key reads,
// section binding, and build-time key validation. It is immutable
// after ReadConfig.
type Config struct {
	store map[string]any // nested
	flat  map[string]any // dotted-key view of store
}

// ReadConfig merges the given sources into a Config. With no sources
// the Config is empty and every lookup fails with a key hint.
func ReadConfig(srcs ...Source) (*Config, error) {
	store := make(map[string]any)
	for _, src := range srcs {
		if err := src.Apply(store); err != nil {
			return nil, err
		}
	}

	flat := make(map[string]any)
	flatten("", store, flat)
	return &Config{store: store, flat: flat}, nil
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(key, nested, out)
			continue
		}
		out[key] = v
	}
}

// Has reports whether the dotted key is present.
func (c *Config) Has(key string) bool {
	_, ok := c.flat[key]
	return ok
}

// Raw returns the untyped value for a dotted key.
func (c *Config) Raw(key string) (any, bool) {
	v, ok := c.flat[key]
	return v, ok
}

// ValidateKeys checks every (owner, key, type) triple in one pass and
// returns diagnostics for the missing ones.
func (c *Config) ValidateKeys(keys []ConfigKey) []ConfigDiagnostic {
	var missing []ConfigDiagnostic
	for _, k := range keys {
		if !c.Has(k.Key) {
			missing = append(missing, ConfigDiagnostic{Owner: k.Owner, Key: k.Key, Type: k.Type})
		}
	}
	return missing
}

// ConfigValue reads a dotted key with typed coercion. String values
// coerce to ints, floats, bools, and durations; absence and failed
// coercion return a ConfigError that names the environment-variable
// form of the key.
func ConfigValue[T any](c *Config, key string) (T, error) {
	var zero T

	raw, ok := c.flat[key]
	if !ok {
		return zero, ConfigError{Key: key, Expected: typeOf[T]().String(), Cause: ErrConfigKeyNotFound}
	}

	if v, ok := raw.(T); ok {
		return v, nil
	}

	coerced, err := coerce(raw, any(zero))
	if err != nil {
		return zero, ConfigError{Key: key, Expected: typeOf[T]().String(), Cause: err}
	}
	v, ok := coerced.(T)
	if !ok {
		return zero, ConfigError{Key: key, Expected: typeOf[T]().String(),
			Cause: fmt.Errorf("value of type %T cannot be coerced", raw)}
	}
	return v, nil
}

func coerce(raw any, target any) (any, error) {
	s, isString := raw.(string)
	switch target.(type) {
	case string:
		return fmt.Sprintf("%v", raw), nil
	case int:
		if isString {
			return strconv.Atoi(s)
		}
		switch n := raw.(type) {
		case int64:
			return int(n), nil
		case float64:
			return int(n), nil
		}
	case int64:
		if isString {
			return strconv.ParseInt(s, 10, 64)
		}
		switch n := raw.(type) {
		case int:
			return int64(n), nil
		case float64:
			return int64(n), nil
		}
	case float64:
		if isString {
			return strconv.ParseFloat(s, 64)
		}
		if n, ok := raw.(int); ok {
			return float64(n), nil
		}
	case bool:
		if isString {
			return strconv.ParseBool(s)
		}
	case time.Duration:
		if isString {
			return time.ParseDuration(s)
		}
		if n, ok := raw.(int); ok {
			return time.Duration(n), nil
		}
	}
	return nil, fmt.Errorf("cannot coerce %T to %T", raw, target)
}

// Section binds the subtree under prefix to a typed properties struct.
// Field mapping follows mapstructure with the "config" tag.
func (c *Config) Section(prefix string, out any) error {
	sub := c.store
	for _, part := range strings.Split(prefix, ".") {
		next, ok := sub[part].(map[string]any)
		if !ok {
			return ConfigError{Key: prefix, Cause: ErrConfigKeyNotFound}
		}
		sub = next
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "config",
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(sub); err != nil {
		return ConfigError{Key: prefix, Cause: err}
	}
	return nil
}

// ========================================
// Sources
// ========================================

type literalSource map[string]any

func (s literalSource) Apply(store map[string]any) error {
	mergeMaps(store, s)
	return nil
}

// Literal builds a source from an in-memory nested map. Dotted keys in
// the top level are expanded.
func Literal(values map[string]any) Source {
	expanded := make(map[string]any, len(values))
	for k, v := range values {
		setDotted(expanded, k, v)
	}
	return literalSource(expanded)
}

type envSource struct {
	prefix string
}

// Env reads every environment variable, lowercasing and splitting on
// underscores: APP_GREETING becomes app.greeting.
func Env() Source {
	return envSource{}
}

// EnvPrefix is Env limited to variables with the given prefix; the
// prefix is stripped before mapping.
func EnvPrefix(prefix string) Source {
	return envSource{prefix: prefix}
}

func (s envSource) Apply(store map[string]any) error {
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if s.prefix != "" {
			if !strings.HasPrefix(name, s.prefix) {
				continue
			}
			name = strings.TrimPrefix(name, s.prefix)
			name = strings.TrimPrefix(name, "_")
		}
		key := strings.ToLower(strings.ReplaceAll(name, "_", "."))
		setDotted(store, key, value)
	}
	return nil
}

type dotEnvSource struct {
	path string
}

// DotEnv reads a .env file and maps names the same way Env does.
// A missing file is not an error; dev setups often have none.
func DotEnv(path string) Source {
	return dotEnvSource{path: path}
}

func (s dotEnvSource) Apply(store map[string]any) error {
	values, err := godotenv.Read(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for name, value := range values {
		key := strings.ToLower(strings.ReplaceAll(name, "_", "."))
		setDotted(store, key, value)
	}
	return nil
}

type yamlFileSource struct {
	path string
}

// YAMLFile reads a YAML document as a nested config layer.
func YAMLFile(path string) Source {
	return yamlFileSource{path: path}
}

func (s yamlFileSource) Apply(store map[string]any) error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := yaml.Unmarshal(b, &m); err != nil {
		return err
	}
	mergeMaps(store, normalizeMap(m))
	return nil
}

type jsonFileSource struct {
	path string
}

// JSONFile reads a JSON document as a nested config layer.
func JSONFile(path string) Source {
	return jsonFileSource{path: path}
}

func (s jsonFileSource) Apply(store map[string]any) error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	mergeMaps(store, m)
	return nil
}

func setDotted(store map[string]any, key string, value any) {
	parts := strings.Split(key, ".")
	m := store
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[part] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

func mergeMaps(dst, src map[string]any) {
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				mergeMaps(dv, sv)
				continue
			}
			cloned := make(map[string]any, len(sv))
			mergeMaps(cloned, sv)
			dst[k] = cloned
			continue
		}
		dst[k] = v
	}
}

// normalizeMap converts yaml's map[any]any values into map[string]any.
func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeMap(t)
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeValue(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	default:
		return v
	}
}
