package terminal

import (
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/zeebo/blake3"

	"github.com/hay-kot/pulse/internal/core/protocol"
)

// DefaultTailBytes bounds the output kept for detection.
const DefaultTailBytes = 64 << 10

// Tail keeps the most recent bytes written to it. It is an io.Writer so the
// child's output can be teed into it. Safe for concurrent use.
type Tail struct {
	mu      sync.Mutex
	buf     []byte
	limit   int
	version uint64
}

// NewTail creates a tail that keeps at most limit bytes.
func NewTail(limit int) *Tail {
	if limit <= 0 {
		limit = DefaultTailBytes
	}
	return &Tail{limit: limit}
}

func (t *Tail) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.version++
	return len(p), nil
}

// Snapshot returns a copy of the tail and the number of writes so far.
func (t *Tail) Snapshot() (uint64, []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version, append([]byte(nil), t.buf...)
}

// Observation is the result of one StateTracker pass.
type Observation struct {
	Lifecycle protocol.Lifecycle
	Snippet   string
	// Changed is true when the normalized output differs from the previous
	// observation. Spinner frames and counters do not count.
	Changed bool
}

// StateTracker turns successive output tails into lifecycle observations.
// Output that only animates (spinners, timers, token counters) is not treated
// as activity. Not safe for concurrent use.
type StateTracker struct {
	detector   *Detector
	redactor   *Redactor
	now        func() time.Time
	lastHash   string
	lastChange time.Time
}

// NewStateTracker creates a tracker using detector and redactor.
func NewStateTracker(detector *Detector, redactor *Redactor) *StateTracker {
	return &StateTracker{
		detector: detector,
		redactor: redactor,
		now:      time.Now,
	}
}

// Observe classifies content and reports whether it changed meaningfully.
func (st *StateTracker) Observe(content string) Observation {
	now := st.now()

	hash := HashContent(NormalizeContent(content))
	changed := hash != st.lastHash
	if changed {
		st.lastHash = hash
		st.lastChange = now
	}

	return Observation{
		Lifecycle: st.detector.Detect(content, now.Sub(st.lastChange)),
		Snippet:   st.redactor.SignificantLine(content),
		Changed:   changed,
	}
}

// spinnerRunes are characters stripped during content normalization.
var spinnerRunes = []rune{
	'⠋', '⠙', '⠹', '⠸', '⠼', '⠴', '⠦', '⠧', '⠇', '⠏',
	'·', '✳', '✽', '✶', '✻', '✢',
}

// Patterns for normalizing dynamic content.
var (
	// "(45s · 1234 tokens · ctrl+c to interrupt)" or "(35s · ↑ 673 tokens)"
	dynamicStatusPattern = regexp.MustCompile(`\([^)]*\d+s\s*·[^)]*(?:tokens|↑|↓)[^)]*\)`)

	// [====>   ] 45%
	progressBarPattern = regexp.MustCompile(`\[=*>?\s*\]\s*\d+%`)

	timePattern       = regexp.MustCompile(`\b\d{1,2}:\d{2}(:\d{2})?\b`)
	percentagePattern = regexp.MustCompile(`\b\d{1,3}%`)
	downloadPattern   = regexp.MustCompile(`\d+(\.\d+)?[KMGT]?B/\d+(\.\d+)?[KMGT]?B`)
	blankLinesPattern = regexp.MustCompile(`\n{3,}`)

	// "✳ Gusting… (35s · ↑ 673 tokens)"
	thinkingPatternEllipsis = regexp.MustCompile(`[⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏·✳✽✶✻✢]\s*.+…\s*\([^)]*\)`)
)

// NormalizeContent removes the parts of terminal output that animate without
// meaning anything, so hashes only move on real progress.
func NormalizeContent(content string) string {
	result := stripControlChars(ansi.Strip(content))

	// Both patterns key off glyphs that the spinner pass removes.
	result = thinkingPatternEllipsis.ReplaceAllString(result, "THINKING…")
	result = dynamicStatusPattern.ReplaceAllString(result, "(STATUS)")
	for _, r := range spinnerRunes {
		result = strings.ReplaceAll(result, string(r), "")
	}

	result = progressBarPattern.ReplaceAllString(result, "[PROGRESS]")
	result = downloadPattern.ReplaceAllString(result, "X.XMB/Y.YMB")
	result = percentagePattern.ReplaceAllString(result, "N%")
	result = timePattern.ReplaceAllString(result, "HH:MM:SS")

	lines := strings.Split(result, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	result = strings.Join(lines, "\n")

	return blankLinesPattern.ReplaceAllString(result, "\n\n")
}

// stripControlChars removes control characters except tab, newline and CR.
func stripControlChars(content string) string {
	var result strings.Builder
	result.Grow(len(content))
	for _, r := range content {
		if (r >= 32 && r != 127) || r == '\t' || r == '\n' || r == '\r' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// HashContent returns a hex blake3 digest of content.
func HashContent(content string) string {
	h := blake3.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}
