// Package tmpl renders user-configured shell command templates.
package tmpl

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// Shell is the interpreter used to run rendered commands.
const Shell = "/bin/sh"

// Quote wraps s in single quotes, escaping embedded single quotes, so the
// shell reads it as one word.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// QuoteAll quotes each element of args and joins them with spaces.
func QuoteAll(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}

var funcs = template.FuncMap{
	"shq":    Quote,
	"shjoin": QuoteAll,
}

// Render executes a template string with data. Unknown keys are errors.
//
// Template functions:
//   - shq: quote a string as one shell word
//   - shjoin: quote and join a list of shell words
func Render(text string, data any) (string, error) {
	t, err := template.New("").Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}

	return strings.TrimSpace(buf.String()), nil
}

// Command renders text and returns an argv that runs it through Shell.
func Command(text string, data any) ([]string, error) {
	script, err := Render(text, data)
	if err != nil {
		return nil, err
	}
	if script == "" {
		return nil, fmt.Errorf("template rendered an empty command")
	}
	return []string{Shell, "-c", script}, nil
}
