// Package config fills flat option structs from a TOML file and the
// environment, and watches the file for changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// EnvPrefix is prepended to every env tag.
const EnvPrefix = "VCAPD_"

// binding ties one settable option field to its sources.
type binding struct {
	field reflect.Value
	flag  string
	toml  string
	env   string
}

func bindings(v reflect.Value) []binding {
	t := v.Type()
	out := make([]binding, 0, t.NumField())
	for i := range t.NumField() {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		out = append(out, binding{
			field: v.Field(i),
			flag:  fieldNameToFlag(sf.Name),
			toml:  sf.Tag.Get("toml"),
			env:   sf.Tag.Get("env"),
		})
	}
	return out
}

// LoadConfig fills opts, a pointer to a flat struct, from the TOML file
// named by its Config field and then from VCAPD_* environment variables.
// Flags the user set on cmd win over both. A missing file is not an
// error; a malformed file or env value is.
func LoadConfig(opts any, cmd *cobra.Command) error {
	v := reflect.ValueOf(opts).Elem()

	changed := make(map[string]bool)
	if cmd != nil {
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			changed[f.Name] = f.Changed
		})
	}

	var doc map[string]any
	if cf := v.FieldByName("Config"); cf.IsValid() && cf.Kind() == reflect.String && cf.String() != "" {
		data, err := os.ReadFile(cf.String())
		if err == nil {
			if err := toml.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("failed to parse TOML config: %w", err)
			}
		}
	}

	var errs []error
	for _, b := range bindings(v) {
		if changed[b.flag] {
			continue
		}
		if b.toml != "" && doc != nil {
			if value := getNestedValue(doc, b.toml); value != nil {
				setFieldValue(b.field, value)
			}
		}
		if b.env == "" {
			continue
		}
		if raw := os.Getenv(EnvPrefix + b.env); raw != "" {
			if err := setFieldValueFromString(b.field, raw); err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, b.env, err))
			}
		}
	}
	return errors.Join(errs...)
}

// SplitList splits a comma-separated option value, dropping empty items.
func SplitList(value string) []string {
	var out []string
	for part := range strings.SplitSeq(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// fieldNameToFlag maps "LoggingLevel" to "logging-level".
func fieldNameToFlag(name string) string {
	var sb strings.Builder
	for i, r := range name {
		if i > 0 && unicode.IsUpper(r) {
			sb.WriteByte('-')
		}
		sb.WriteRune(unicode.ToLower(r))
	}
	return sb.String()
}

// getNestedValue looks up a dotted path such as "device.minor".
func getNestedValue(data map[string]any, path string) any {
	keys := strings.Split(path, ".")
	for _, key := range keys[:len(keys)-1] {
		next, ok := data[key].(map[string]any)
		if !ok {
			return nil
		}
		data = next
	}
	return data[keys[len(keys)-1]]
}

// setFieldValue assigns a decoded TOML value. Mismatched types are
// ignored and the field keeps its default.
func setFieldValue(field reflect.Value, value any) {
	if !field.CanSet() {
		return
	}
	switch field.Kind() {
	case reflect.String:
		switch v := value.(type) {
		case string:
			field.SetString(v)
		case []any:
			items := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok {
					items = append(items, s)
				}
			}
			field.SetString(strings.Join(items, ","))
		}
	case reflect.Bool:
		if b, ok := value.(bool); ok {
			field.SetBool(b)
		}
	case reflect.Int, reflect.Int64:
		switch n := value.(type) {
		case int64:
			field.SetInt(n)
		case int:
			field.SetInt(int64(n))
		}
	}
}

// setFieldValueFromString parses an environment value into field.
func setFieldValueFromString(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	}
	return nil
}
