package terminal

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/pulse/internal/core/protocol"
)

func TestTail_KeepsMostRecentBytes(t *testing.T) {
	tail := NewTail(10)
	for _, s := range []string{"12345", "67890", "abcdef"} {
		n, err := tail.Write([]byte(s))
		require.NoError(t, err)
		assert.Equal(t, len(s), n)
	}

	version, buf := tail.Snapshot()
	assert.Equal(t, uint64(3), version)
	assert.Equal(t, "7890abcdef", string(buf))
}

func TestTail_ConcurrentWrites(t *testing.T) {
	tail := NewTail(0)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 100 {
				_, _ = fmt.Fprintf(tail, "%d:%d\n", i, j)
			}
		}()
	}
	wg.Wait()

	version, _ := tail.Snapshot()
	assert.Equal(t, uint64(800), version)
}

func TestNormalizeContent(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{
			name: "spinner frames",
			a:    "⠋ Reading files",
			b:    "⠙ Reading files",
		},
		{
			name: "status counters",
			a:    "Working (12s · 340 tokens · esc to interrupt)",
			b:    "Working (13s · 512 tokens · esc to interrupt)",
		},
		{
			name: "thinking line",
			a:    "✳ Gusting… (35s · ↑ 673 tokens)",
			b:    "✻ Gusting… (36s · ↑ 702 tokens)",
		},
		{
			name: "clock and percent",
			a:    "12:01:02 downloading 10% 1.2MB/5.6MB",
			b:    "12:01:03 downloading 11% 1.3MB/5.6MB",
		},
		{
			name: "trailing whitespace and colors",
			a:    "\x1b[1mdone\x1b[0m   ",
			b:    "done",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, NormalizeContent(tt.a), NormalizeContent(tt.b))
		})
	}

	assert.NotEqual(t, NormalizeContent("wrote a.go"), NormalizeContent("wrote b.go"))
}

func TestStateTracker_Observe(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	st := NewStateTracker(NewDetector("shell"), NewRedactor())
	st.now = func() time.Time { return now }

	obs := st.Observe("wrote 3 files token=abc")
	assert.True(t, obs.Changed)
	assert.Equal(t, protocol.LifecycleRunning, obs.Lifecycle)
	assert.Equal(t, "wrote 3 files token=[REDACTED]", obs.Snippet)

	// Same output, but long enough ago that the agent looks idle.
	now = now.Add(time.Minute)
	obs = st.Observe("wrote 3 files token=abc")
	assert.False(t, obs.Changed)
	assert.Equal(t, protocol.LifecycleIdle, obs.Lifecycle)

	obs = st.Observe("wrote 3 files token=abc\nProceed? (y/n)")
	assert.True(t, obs.Changed)
	assert.Equal(t, protocol.LifecycleNeedsInput, obs.Lifecycle)
	assert.Equal(t, "Proceed? (y/n)", obs.Snippet)
}
