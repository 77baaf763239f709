package terminal

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// Redacted replaces every secret found in agent output.
const Redacted = "[REDACTED]"

// MaxSnippetRunes caps a sanitized line.
const MaxSnippetRunes = 140

// DefaultSecretKeys are key names whose values are always redacted.
var DefaultSecretKeys = []string{
	"access_token",
	"api_key",
	"apikey",
	"auth_token",
	"client_secret",
	"id_token",
	"password",
	"passwd",
	"private_key",
	"refresh_token",
	"secret",
	"session_token",
	"token",
}

var (
	authorizationPattern = regexp.MustCompile(`(?i)\b(?P<key>authorization)\b(?P<sep>\s*:\s*)(?P<scheme>(?:bearer|token|basic)\s+)?[^\s,;]+`)
	bearerPattern        = regexp.MustCompile(`(?i)\b(?P<scheme>bearer|token)\s+[A-Za-z0-9\-\._~\+/=]{12,}`)
	inlinePatterns       = []*regexp.Regexp{
		regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{8,}\b`),
		regexp.MustCompile(`\bsk-[A-Za-z0-9]{12,}\b`),
		regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\b`),
	}
)

// Redactor masks credentials in text before it leaves the machine's
// terminal.
type Redactor struct {
	keyValue *regexp.Regexp
}

// NewRedactor builds a redactor for DefaultSecretKeys plus extra.
func NewRedactor(extra ...string) *Redactor {
	keys := make([]string, 0, len(DefaultSecretKeys)+len(extra))
	seen := make(map[string]bool)
	for _, k := range append(append([]string{}, DefaultSecretKeys...), extra...) {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, regexp.QuoteMeta(k))
	}

	return &Redactor{
		keyValue: regexp.MustCompile(`(?i)\b(?P<key>` + strings.Join(keys, "|") + `)\b(?P<sep>\s*[:=]\s*)(?:"[^"]*"|'[^']*'|[^\s,;]+)`),
	}
}

// Redact masks secrets in s.
func (r *Redactor) Redact(s string) string {
	if s == "" {
		return s
	}
	s = authorizationPattern.ReplaceAllString(s, "${key}${sep}${scheme}"+Redacted)
	s = r.keyValue.ReplaceAllString(s, "${key}${sep}"+Redacted)
	s = bearerPattern.ReplaceAllString(s, "${scheme} "+Redacted)
	for _, p := range inlinePatterns {
		s = p.ReplaceAllString(s, Redacted)
	}
	return s
}

// Sanitize prepares one line of output for publishing: escape sequences are
// stripped, whitespace collapsed, secrets masked, and the result capped at
// MaxSnippetRunes.
func (r *Redactor) Sanitize(line string) string {
	line = strings.Join(strings.Fields(ansi.Strip(line)), " ")
	if line == "" {
		return ""
	}
	return truncate(r.Redact(line), MaxSnippetRunes)
}

// SignificantLine returns the last line of content that is non-empty after
// sanitizing.
func (r *Redactor) SignificantLine(content string) string {
	lines := strings.Split(content, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if s := r.Sanitize(lines[i]); s != "" {
			return s
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
