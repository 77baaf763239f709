package coalesce

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sink struct {
	mu  sync.Mutex
	got []int
}

func (s *sink) emit(v int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, v)
}

func (s *sink) values() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.got...)
}

func differs(prev, next int) bool { return prev != next }

func TestEmitter_LeadingThenTrailing(t *testing.T) {
	s := &sink{}
	e := New(50*time.Millisecond, differs, s.emit)
	defer e.Stop()

	e.Offer(1)
	assert.Equal(t, []int{1}, s.values(), "first change is emitted immediately")

	e.Offer(2)
	e.Offer(3)
	e.Offer(4)
	assert.Equal(t, []int{1}, s.values(), "changes inside the interval are buffered")

	require.Eventually(t, func() bool {
		return len(s.values()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1, 4}, s.values(), "only the latest buffered value is emitted")
}

func TestEmitter_SuppressesUnchanged(t *testing.T) {
	s := &sink{}
	e := New(10*time.Millisecond, differs, s.emit)
	defer e.Stop()

	e.Offer(7)
	time.Sleep(20 * time.Millisecond)
	e.Offer(7)
	e.Offer(7)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, []int{7}, s.values())
}

func TestEmitter_RevertInsideWindowIsDropped(t *testing.T) {
	s := &sink{}
	e := New(30*time.Millisecond, differs, s.emit)
	defer e.Stop()

	e.Offer(1)
	e.Offer(2)
	e.Offer(1)
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, []int{1}, s.values())
}

func TestEmitter_Flush(t *testing.T) {
	s := &sink{}
	e := New(time.Hour, nil, s.emit)
	defer e.Stop()

	e.Offer(1)
	e.Offer(2)
	assert.Equal(t, []int{1}, s.values())

	e.Flush()
	assert.Equal(t, []int{1, 2}, s.values())

	e.Flush()
	assert.Equal(t, []int{1, 2}, s.values(), "flush without pending value is a no-op")
}

func TestEmitter_StopDiscards(t *testing.T) {
	s := &sink{}
	e := New(20*time.Millisecond, differs, s.emit)

	e.Offer(1)
	e.Offer(2)
	e.Stop()
	e.Offer(3)
	time.Sleep(40 * time.Millisecond)

	assert.Equal(t, []int{1}, s.values())
}
