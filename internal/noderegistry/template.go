package noderegistry

import (
	"bytes"
	"reflect"
	"regexp"
	"text/template"
)

// bareFieldPlaceholder matches the documented rule-authoring placeholder
// syntax "{{field}}" ("{{email}}"): a single bare identifier
// with no leading dot and no function call. text/template itself requires
// "{{.field}}" to reference a map key — a bare "{{field}}" parses as a call
// to an undefined function named "field" and errors — so these are rewritten
// to their dotted form before parsing. Already-dotted references and
// function calls (e.g. "{{default .x \"y\"}}") don't match this pattern and
// pass through unchanged.
var bareFieldPlaceholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// substitutePlaceholders resolves "{{field}}" placeholders against the
// execution context map ("context ... is the sole
// source of runtime values for template substitution"), via text/template
// so the "default"/"empty" helpers remain available for richer rule
// authoring.
func substitutePlaceholders(s string, ctxData map[string]interface{}) interface{} {
	if s == "" {
		return s
	}
	rewritten := bareFieldPlaceholder.ReplaceAllString(s, "{{.$1}}")
	tmpl, err := template.New("step").Funcs(templateFuncs()).Parse(rewritten)
	if err != nil {
		return s
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctxData); err != nil {
		return s
	}
	return buf.String()
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"default": func(defaultValue, value interface{}) interface{} {
			if value == nil || isEmptyValue(reflect.ValueOf(value)) {
				return defaultValue
			}
			return value
		},
		"empty": func(value interface{}) bool {
			if value == nil {
				return true
			}
			return isEmptyValue(reflect.ValueOf(value))
		},
	}
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Invalid:
		return true
	default:
		return false
	}
}
