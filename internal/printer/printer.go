// Package printer writes human-facing CLI output. Colors follow the Tokyo
// Night palette and degrade to plain text when the writer is not a terminal.
package printer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hay-kot/criterio"
	"github.com/muesli/termenv"
)

// Tokyo Night palette.
const (
	HexRed    = "#d75f6b"
	HexGreen  = "#9ece6a"
	HexYellow = "#e0af68"
	HexBlue   = "#7aa2f7"
	HexGray   = "#565f89"
)

// Symbols
const (
	Check = "✔"
	Cross = "✘"
	Dot   = "•"
)

type ctxKey struct{}

// Printer handles formatted output with colors and styles.
type Printer struct {
	writer io.Writer
	out    *termenv.Output
}

// New creates a Printer for w. The color profile is detected from w.
func New(w io.Writer) *Printer {
	return &Printer{writer: w, out: termenv.NewOutput(w)}
}

// NewPlain creates a Printer that never emits escape sequences.
func NewPlain(w io.Writer) *Printer {
	return &Printer{writer: w, out: termenv.NewOutput(w, termenv.WithProfile(termenv.Ascii))}
}

// NewContext returns a context with the printer attached.
func NewContext(ctx context.Context, p *Printer) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// Ctx retrieves the printer from context, or creates one on stderr.
func Ctx(ctx context.Context) *Printer {
	if p, ok := ctx.Value(ctxKey{}).(*Printer); ok {
		return p
	}
	return New(os.Stderr)
}

// FatalError prints a formatted error box. It does not exit.
func (p *Printer) FatalError(err error) {
	if err == nil {
		return
	}

	var fieldErrs criterio.FieldErrors
	if errors.As(err, &fieldErrs) {
		p.printValidationErrors(err, fieldErrs)
		return
	}

	p.writeLines(
		p.color(HexRed, "╭ Error"),
		p.color(HexRed, "│")+" "+p.color(HexGray, err.Error()),
		p.color(HexRed, "╵"),
	)
}

// printValidationErrors lists each field error under the wrapping context,
// e.g. "load config: invalid config".
func (p *Printer) printValidationErrors(wrapped error, fieldErrs criterio.FieldErrors) {
	errStr := wrapped.Error()
	prefix := ""
	if idx := strings.Index(errStr, fieldErrs.Error()); idx > 0 {
		prefix = strings.TrimSuffix(errStr[:idx], ": ")
	}

	bar := p.color(HexRed, "│")
	lines := []string{p.color(HexRed, "╭ Validation Error")}
	if prefix != "" {
		lines = append(lines, bar+" "+p.color(HexGray, prefix), bar)
	}
	for _, fe := range fieldErrs {
		line := bar + " " + p.color(HexRed, Cross) + " "
		if fe.Field != "" {
			line += p.color(HexGray, fe.Field+": ")
		}
		lines = append(lines, line+fe.Err.Error())
	}
	lines = append(lines, p.color(HexRed, "╵"))

	p.writeLines(lines...)
}

// Errorf prints an error message in red.
func (p *Printer) Errorf(format string, args ...any) {
	p.writeLines(p.color(HexRed, Cross+" "+fmt.Sprintf(format, args...)))
}

// Successf prints a success message in green.
func (p *Printer) Successf(format string, args ...any) {
	p.writeLines(p.color(HexGreen, Check+" "+fmt.Sprintf(format, args...)))
}

// Infof prints an info message in gray.
func (p *Printer) Infof(format string, args ...any) {
	p.writeLines(p.color(HexGray, Dot+" "+fmt.Sprintf(format, args...)))
}

// Warnf prints a warning message in yellow.
func (p *Printer) Warnf(format string, args ...any) {
	p.writeLines(p.color(HexYellow, Dot+" "+fmt.Sprintf(format, args...)))
}

// Printf prints a plain message.
func (p *Printer) Printf(format string, args ...any) {
	p.writeLines(fmt.Sprintf(format, args...))
}

// Section prints a bold, underlined header.
func (p *Printer) Section(title string) {
	p.writeLines(p.out.String(title).Bold().Underline().String())
}

// KV prints an aligned key/value pair.
func (p *Printer) KV(key string, width int, value string) {
	p.writeLines("  " + p.color(HexGray, fmt.Sprintf("%-*s", width, key)) + " " + value)
}

// CheckItem prints a success item with a green checkmark.
func (p *Printer) CheckItem(label, detail string) {
	p.printItem(HexGreen, Check, label, detail)
}

// WarnItem prints a warning item with a yellow dot.
func (p *Printer) WarnItem(label, detail string) {
	p.printItem(HexYellow, Dot, label, detail)
}

// FailItem prints a failure item with a red cross.
func (p *Printer) FailItem(label, detail string) {
	p.printItem(HexRed, Cross, label, detail)
}

func (p *Printer) printItem(hex, symbol, label, detail string) {
	line := "  " + p.color(hex, symbol) + " " + label
	if detail != "" {
		line += ": " + detail
	}
	p.writeLines(line)
}

func (p *Printer) color(hex, text string) string {
	return p.out.String(text).Foreground(p.out.Color(hex)).String()
}

func (p *Printer) writeLines(lines ...string) {
	_, _ = io.WriteString(p.writer, strings.Join(lines, "\n")+"\n")
}
