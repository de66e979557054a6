package util

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"text/template"
)

// templateCache holds parsed templates keyed by their source text.
// Prompt templates are rendered once per dataset record, so reparsing
// each time would dominate loading for large prompt sets.
var templateCache sync.Map // string -> *template.Template

// RenderTemplate renders a template string with the given data.
// Missing keys are an error: a dataset record that lacks a field the
// template references is malformed and should fail loudly.
// Includes validation to prevent template injection from
// config-supplied template text.
func RenderTemplate(tmpl string, data map[string]interface{}) (string, error) {
	// Block directives that could be exploited: function calls,
	// template definition and inclusion.
	forbiddenDirectives := []string{"{{call", "{{define", "{{template", "{{block"}
	for _, directive := range forbiddenDirectives {
		if strings.Contains(tmpl, directive) {
			return "", fmt.Errorf("template contains forbidden directive: %s", directive)
		}
	}

	t, err := parseCached(tmpl)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

func parseCached(tmpl string) (*template.Template, error) {
	if cached, ok := templateCache.Load(tmpl); ok {
		return cached.(*template.Template), nil
	}

	t, err := template.New("prompt").
		Option("missingkey=error").
		Parse(tmpl)
	if err != nil {
		return nil, err
	}

	// Racing parsers may store twice; both values are equivalent
	actual, _ := templateCache.LoadOrStore(tmpl, t)
	return actual.(*template.Template), nil
}

// ClearTemplateCache drops all cached templates (used by tests)
func ClearTemplateCache() {
	templateCache.Range(func(key, _ interface{}) bool {
		templateCache.Delete(key)
		return true
	})
}

// TruncateString truncates a string to maxLen runes (Unicode-safe)
// Uses runes instead of bytes to properly handle multi-byte UTF-8 characters
func TruncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
