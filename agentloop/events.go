package agentloop

import (
	"sync"
	"time"
)

// EventKind identifies the type of an Event.
type EventKind string

const (
	EventUserInput        EventKind = "user_input"
	EventAssistantText    EventKind = "assistant_text"
	EventToolCallStarted  EventKind = "tool_call_started"
	EventToolCallFinished EventKind = "tool_call_finished"
	EventError            EventKind = "error"
)

// Event is one step of a turn as seen by consumers. Seq increases by one for
// every event of a turn, starting at 1.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`

	// UserInput and AssistantText.
	Content string `json:"content,omitempty"`

	// ToolCallStarted and ToolCallFinished.
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolName   string      `json:"tool_name,omitempty"`
	Arguments  Arguments   `json:"arguments,omitempty"`
	Result     *ToolResult `json:"result,omitempty"`

	// Error.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	Terminal  bool      `json:"terminal,omitempty"`
}

// Publisher receives the events of a turn in order. Publish must not block
// for long; the turn waits for it.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(ev Event) { f(ev) }

// Discard is a Publisher that drops every event.
var Discard Publisher = PublisherFunc(func(Event) {})

// turnEmitter stamps events with the session id and sequence number.
type turnEmitter struct {
	sessionID string
	seq       int
	pub       Publisher
}

func newTurnEmitter(sessionID string, pub Publisher) *turnEmitter {
	if pub == nil {
		pub = Discard
	}
	return &turnEmitter{sessionID: sessionID, pub: pub}
}

func (e *turnEmitter) emit(ev Event) {
	e.seq++
	ev.SessionID = e.sessionID
	ev.Seq = e.seq
	ev.Timestamp = time.Now()
	e.pub.Publish(ev)
}

func (e *turnEmitter) userInput(content string) {
	e.emit(Event{Kind: EventUserInput, Content: content})
}

func (e *turnEmitter) assistantText(content string) {
	e.emit(Event{Kind: EventAssistantText, Content: content})
}

func (e *turnEmitter) toolStarted(call ToolCallRequest) {
	e.emit(Event{Kind: EventToolCallStarted, ToolCallID: call.ID, ToolName: call.Name, Arguments: call.Arguments.Clone()})
}

func (e *turnEmitter) toolFinished(call ToolCallRequest, result ToolResult) {
	e.emit(Event{Kind: EventToolCallFinished, ToolCallID: call.ID, ToolName: call.Name, Result: &result})
}

func (e *turnEmitter) errorEvent(kind ErrorKind, message string, terminal bool) {
	e.emit(Event{Kind: EventError, ErrorKind: kind, Message: message, Terminal: terminal})
}

// EventDispatcher fans events out to any number of subscribers. Each
// subscriber has its own unbounded queue drained by its own goroutine, so
// Publish never blocks and a slow subscriber cannot delay the others or the
// producer. Events are delivered to each subscriber in publish order.
type EventDispatcher struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewEventDispatcher creates an EventDispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new consumer. It sees every event published after
// this call. Subscribing to a closed dispatcher returns a subscription whose
// channel is already closed.
func (d *EventDispatcher) Subscribe() *Subscription {
	s := newSubscription(d)
	d.mu.Lock()
	if d.closed {
		s.closed = true
	} else {
		d.subs[s] = struct{}{}
	}
	d.mu.Unlock()
	go s.pump()
	return s
}

// Publish queues ev for every current subscriber.
func (d *EventDispatcher) Publish(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	for s := range d.subs {
		s.enqueue(ev)
	}
}

// Close stops accepting events. Subscribers still receive everything queued
// before Close, then their channels are closed.
func (d *EventDispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for s := range d.subs {
		s.finish()
	}
	d.subs = nil
}

func (d *EventDispatcher) remove(s *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subs, s)
}

// Subscription is one consumer's view of an EventDispatcher.
type Subscription struct {
	d    *EventDispatcher
	out  chan Event
	done chan struct{}

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []Event
	closed    bool
	cancelled bool
	once      sync.Once
}

func newSubscription(d *EventDispatcher) *Subscription {
	s := &Subscription{
		d:    d,
		out:  make(chan Event),
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Events returns the channel events are delivered on. It is closed after
// the dispatcher is closed and the queue is drained, or after Cancel.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Cancel unsubscribes. Queued events are discarded and the channel closes.
// It is safe to call more than once and from any goroutine.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.d.remove(s)
		s.mu.Lock()
		s.cancelled = true
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		s.cond.Broadcast()
		close(s.done)
	})
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, ev)
	}
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *Subscription) finish() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.cancelled || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
