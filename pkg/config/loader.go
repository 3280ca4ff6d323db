// Package config loads platform configuration from YAML files with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Loader handles loading configuration from a file and the environment.
// Environment variables override file values; names are built from the
// prefix plus the nested yaml tags, upper-cased and joined with underscores
// (TENANTCOST_DATABASE_HOST overrides database.host).
type Loader struct {
	envPrefix string
}

// NewLoader creates a new configuration loader
func NewLoader(envPrefix string) *Loader {
	return &Loader{envPrefix: envPrefix}
}

// Load loads configuration from the file (if any) and then applies
// environment overrides.
func (l *Loader) Load(configPath string, config interface{}) error {
	if err := l.LoadFromFile(configPath, config); err != nil {
		return fmt.Errorf("failed to load config from file: %w", err)
	}
	if err := l.LoadFromEnv(config); err != nil {
		return fmt.Errorf("failed to load config from environment: %w", err)
	}
	return nil
}

// LoadFromFile loads YAML configuration from a file. An empty path is a
// no-op so callers can run entirely on defaults plus environment.
func (l *Loader) LoadFromFile(configPath string, config interface{}) error {
	if configPath == "" {
		return nil
	}

	ext := strings.ToLower(filepath.Ext(configPath))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml)", ext)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	return nil
}

// LoadFromEnv applies environment variable overrides onto config.
func (l *Loader) LoadFromEnv(config interface{}) error {
	return l.applyEnv(reflect.ValueOf(config).Elem(), "")
}

func (l *Loader) applyEnv(value reflect.Value, prefix string) error {
	if !value.IsValid() || !value.CanSet() {
		return nil
	}

	if value.Kind() == reflect.Ptr {
		if value.IsNil() {
			value.Set(reflect.New(value.Type().Elem()))
		}
		return l.applyEnv(value.Elem(), prefix)
	}

	if value.Kind() != reflect.Struct {
		return nil
	}

	structType := value.Type()
	for i := 0; i < value.NumField(); i++ {
		field := value.Field(i)
		fieldType := structType.Field(i)
		if !field.CanSet() {
			continue
		}

		name := fieldType.Tag.Get("yaml")
		if idx := strings.Index(name, ","); idx >= 0 {
			name = name[:idx]
		}
		if name == "" || name == "-" {
			name = strings.ToLower(fieldType.Name)
		}
		scoped := name
		if prefix != "" {
			scoped = prefix + "_" + name
		}

		if field.Kind() == reflect.Struct || (field.Kind() == reflect.Ptr && field.Type().Elem().Kind() == reflect.Struct) {
			if err := l.applyEnv(field, scoped); err != nil {
				return err
			}
			continue
		}

		envName := strings.ToUpper(scoped)
		if l.envPrefix != "" {
			envName = l.envPrefix + "_" + envName
		}
		if envValue := os.Getenv(envName); envValue != "" {
			if err := setFromString(field, envValue); err != nil {
				return fmt.Errorf("failed to set field %s from env %s: %w", fieldType.Name, envName, err)
			}
		}
	}

	return nil
}

func setFromString(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool value: %s", value)
		}
		field.SetBool(b)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration value: %s", value)
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid int value: %s", value)
		}
		field.SetInt(n)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float value: %s", value)
		}
		field.SetFloat(f)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type())
		}
		parts := strings.Split(value, ",")
		for i, p := range parts {
			parts[i] = strings.TrimSpace(p)
		}
		field.Set(reflect.ValueOf(parts))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Type())
	}

	return nil
}
