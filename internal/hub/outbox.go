package hub

import "sync"

// Outbox is a bounded per-connection frame queue. When full, Push drops the
// oldest queued frame so the hub never blocks on a slow consumer.
type Outbox struct {
	mu     sync.Mutex
	frames [][]byte
	head   int
	size   int
	drops  uint64
	closed bool
	notify chan struct{}
}

// NewOutbox creates an outbox holding at most capacity frames.
func NewOutbox(capacity int) *Outbox {
	if capacity < 1 {
		capacity = 1
	}
	return &Outbox{
		frames: make([][]byte, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push enqueues a frame. It reports whether an older frame was dropped to
// make room. Pushing to a closed outbox is a no-op.
func (o *Outbox) Push(frame []byte) (dropped bool) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}

	capacity := len(o.frames)
	if o.size == capacity {
		o.frames[o.head] = nil
		o.head = (o.head + 1) % capacity
		o.size--
		o.drops++
		dropped = true
	}
	o.frames[(o.head+o.size)%capacity] = frame
	o.size++

	select {
	case o.notify <- struct{}{}:
	default:
	}
	o.mu.Unlock()
	return dropped
}

// Ready is signaled after pushes. Consumers call Drain when it fires.
func (o *Outbox) Ready() <-chan struct{} {
	return o.notify
}

// Drain removes and returns all queued frames in order.
func (o *Outbox) Drain() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([][]byte, 0, o.size)
	capacity := len(o.frames)
	for o.size > 0 {
		out = append(out, o.frames[o.head])
		o.frames[o.head] = nil
		o.head = (o.head + 1) % capacity
		o.size--
	}
	return out
}

// Len returns the number of queued frames.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.size
}

// Drops returns how many frames were discarded for this consumer.
func (o *Outbox) Drops() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.drops
}

// Close discards queued frames and rejects further pushes.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	for i := range o.frames {
		o.frames[i] = nil
	}
	o.size = 0
	select {
	case <-o.notify:
	default:
	}
	close(o.notify)
}
