package agentloop

import "context"

// Stream is a turn running in the background with its events delivered on
// a channel.
type Stream struct {
	sub     *Subscription
	cancel  context.CancelFunc
	done    chan struct{}
	outcome Outcome
	err     error
}

// Stream starts a turn like Run and returns immediately. The events channel
// is closed after the last event of the turn. Callers must either drain
// Events or call Close.
func (m *Machine) Stream(ctx context.Context, sessionID, input string) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	dispatcher := NewEventDispatcher()
	s := &Stream{
		sub:    dispatcher.Subscribe(),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		defer dispatcher.Close()
		defer cancel()
		s.outcome, s.err = m.Run(ctx, sessionID, input, dispatcher)
	}()
	return s
}

// Events returns the channel the turn's events arrive on.
func (s *Stream) Events() <-chan Event {
	return s.sub.Events()
}

// Cancel stops the turn. Events keep flowing until the terminal cancelled
// error has been delivered.
func (s *Stream) Cancel() {
	s.cancel()
}

// Close cancels the turn and discards any undelivered events.
func (s *Stream) Close() {
	s.cancel()
	s.sub.Cancel()
}

// Wait blocks until the turn has ended and returns its outcome.
func (s *Stream) Wait() (Outcome, error) {
	<-s.done
	return s.outcome, s.err
}
