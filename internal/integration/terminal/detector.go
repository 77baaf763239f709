// Package terminal classifies the output of an agent CLI: which lifecycle the
// agent is in, and which line best summarizes what it is doing.
package terminal

import (
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/hay-kot/pulse/internal/core/protocol"
)

// Detector classifies terminal content for one tool.
type Detector struct {
	tool string
}

// NewDetector creates a detector for the specified tool. An unknown tool only
// gets the generic prompt set.
func NewDetector(tool string) *Detector {
	return &Detector{tool: strings.ToLower(tool)}
}

// Tool returns the tool this detector was built for.
func (d *Detector) Tool() string { return d.tool }

const (
	tailLines    = 20
	keywordLines = 5
	errorLines   = 3

	// ActivityThreshold is how recently output must have changed for a
	// terminal without explicit indicators to count as running.
	ActivityThreshold = 2 * time.Second
)

// spinnerChars are spinner glyphs used by CLI tools.
var spinnerChars = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏", "✳", "✽", "✶", "✻", "✢"}

var errorPattern = regexp.MustCompile(`\b(error|panic|traceback|exception|fatal|failed)\b`)

var (
	busyIndicators = []string{"ctrl+c to interrupt", "esc to interrupt"}
	busyWords      = []string{"thinking", "analyzing", "processing", "generating", "loading", "running", "working", "compiling"}
	idleWords      = []string{"ready", "idle", "done", "complete", "finished", "waiting"}

	waitingPhrases = []string{
		"waiting for input",
		"press enter",
		"enter to continue",
		"needs input",
		"use arrow keys to navigate",
		"(y/n)", "[y/n]", "(yes/no)", "[yes/no]",
		"continue?", "proceed?",
	}

	toolPrompts = map[string][]string{
		"claude": {
			"yes, allow once",
			"yes, allow always",
			"no, and tell claude what to do differently",
			"do you trust the files in this folder?",
			"allow this mcp server",
			"run this command?",
		},
		"codex": {
			"allow command?",
			"approve this change?",
		},
	}
)

// IsBusy reports whether content shows the agent actively working.
func (d *Detector) IsBusy(content string) bool {
	lower := strings.ToLower(content)
	for _, indicator := range busyIndicators {
		if strings.Contains(lower, indicator) {
			return true
		}
	}

	for _, line := range lastNonEmptyLines(content, keywordLines) {
		for _, spinner := range spinnerChars {
			if strings.Contains(line, spinner) {
				return true
			}
		}
	}

	return strings.Contains(lower, "thinking") && strings.Contains(lower, "tokens")
}

// IsWaiting reports whether content ends in a prompt that needs the user.
func (d *Detector) IsWaiting(content string) bool {
	lines := lastNonEmptyLines(content, keywordLines)
	if len(lines) == 0 {
		return false
	}
	recent := strings.ToLower(strings.Join(lines, "\n"))

	for _, phrase := range waitingPhrases {
		if strings.Contains(recent, phrase) {
			return true
		}
	}
	for _, prompt := range toolPrompts[d.tool] {
		if strings.Contains(recent, prompt) {
			return true
		}
	}

	// A bare prompt glyph or a trailing colon only counts once nothing is
	// spinning; progress lines often end the same way.
	if d.IsBusy(content) {
		return false
	}
	last := strings.TrimSpace(strings.ReplaceAll(lines[len(lines)-1], "\u00a0", " "))
	switch {
	case last == ">" || last == "❯":
		return true
	case strings.HasSuffix(last, ":") || strings.HasSuffix(last, ">"):
		return true
	}
	return false
}

// IsError reports whether the last few lines report a failure.
func (d *Detector) IsError(content string) bool {
	recent := strings.ToLower(strings.Join(lastNonEmptyLines(content, errorLines), "\n"))
	return errorPattern.MatchString(recent)
}

// Detect classifies content. quiet is how long the output has been unchanged;
// it only matters when no indicator matches.
//
// Priority: error, needs_input, running, idle.
func (d *Detector) Detect(content string, quiet time.Duration) protocol.Lifecycle {
	content = ansi.Strip(content)
	content = strings.Join(lastNonEmptyLines(content, tailLines), "\n")

	switch {
	case d.IsError(content):
		return protocol.LifecycleError
	case d.IsWaiting(content):
		return protocol.LifecycleNeedsInput
	case d.IsBusy(content):
		return protocol.LifecycleRunning
	}

	recent := strings.ToLower(strings.Join(lastNonEmptyLines(content, keywordLines), "\n"))
	if containsAny(recent, busyWords) {
		return protocol.LifecycleRunning
	}
	if containsAny(recent, idleWords) {
		return protocol.LifecycleIdle
	}

	if quiet < ActivityThreshold {
		return protocol.LifecycleRunning
	}
	return protocol.LifecycleIdle
}

// DetectTool attempts to identify the AI tool from a command line or
// terminal content.
func DetectTool(content string) string {
	lower := strings.ToLower(content)

	// Ordered so that generic words ("openai") do not shadow specific tools.
	patterns := []struct {
		tool     string
		keywords []string
	}{
		{"claude", []string{"claude", "anthropic", "ctrl+c to interrupt"}},
		{"gemini", []string{"gemini", "google ai"}},
		{"opencode", []string{"opencode", "open code"}},
		{"codex", []string{"codex", "openai"}},
	}

	for _, p := range patterns {
		if containsAny(lower, p.keywords) {
			return p.tool
		}
	}
	return "shell"
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// lastNonEmptyLines returns the last n non-blank lines of content, in order.
func lastNonEmptyLines(content string, n int) []string {
	lines := strings.Split(content, "\n")
	var result []string

	for i := len(lines) - 1; i >= 0 && len(result) < n; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			result = append(result, strings.TrimRight(lines[i], "\r"))
		}
	}

	slices.Reverse(result)
	return result
}
