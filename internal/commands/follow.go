package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hay-kot/pulse/internal/core/session"
	"github.com/hay-kot/pulse/internal/subscriber"
	"github.com/hay-kot/pulse/pkg/utils"
)

// errNoSession is returned by commands that observe an existing session
// when none could be found in flags, environment, or multiplexer.
var errNoSession = errors.New("no session to follow; pass --session or set PULSE_SESSION_ID")

// following is a subscriber running in the background.
type following struct {
	sub    *subscriber.Subscriber
	cancel context.CancelFunc
	done   chan error
}

// follow resolves the session and starts a subscriber for it.
func (f *Flags) follow(ctx context.Context) (*following, session.Identity, error) {
	id, err := f.Resolve(ctx, f.Multiplexer(), session.Overrides{})
	if err != nil {
		return nil, id, err
	}
	if id.SessionSource == session.SourceGenerated {
		return nil, id, errNoSession
	}

	sub := subscriber.New(f.subscriberConfig(), id, log.With().Str("component", "subscriber").Logger())

	ctx, cancel := context.WithCancel(ctx)
	fw := &following{sub: sub, cancel: cancel, done: make(chan error, 1)}
	go func() { fw.done <- sub.Run(ctx) }()
	return fw, id, nil
}

// Stop cancels the subscriber and waits for it to exit.
func (fw *following) Stop() {
	fw.cancel()
	<-fw.done
}

// awaitSnapshot blocks until the subscriber has mirrored a snapshot.
func awaitSnapshot(ctx context.Context, sub *subscriber.Subscriber, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for !sub.Synced() {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("no snapshot from hub within %s; is it running? try 'pulse hub status'", timeout)
			}
			return ctx.Err()
		case _, ok := <-sub.Updates():
			if !ok {
				return subscriber.ErrConnectionLost
			}
		}
	}
	return nil
}

// deferLogs redirects the global logger into a buffer while a full-screen
// program owns the terminal. The returned func restores the logger and
// replays the buffer to stderr.
func (f *Flags) deferLogs() func() {
	deferred := &utils.DeferredWriter{}

	var out io.Writer = deferred
	if f.LogOutput != nil {
		out = io.MultiWriter(f.LogOutput, deferred)
	}

	prev := log.Logger
	log.Logger = prev.Output(out)

	return func() {
		log.Logger = prev
		if err := deferred.Flush(zerolog.ConsoleWriter{Out: os.Stderr}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to flush logs: %v\n", err)
		}
	}
}
