package agentloop

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// SessionStore holds the history of every live session in memory. The
// session index is a sync.Map, and each session has its own mutex, so work
// on one session never waits on another.
type SessionStore struct {
	sessions sync.Map // id -> *session
}

type session struct {
	mu      sync.Mutex
	history []Message
	// callIDs holds the ids of every tool call requested so far, for the
	// tool result check in Append.
	callIDs map[string]struct{}
	busy    bool
	// deleted is set under mu when the session leaves the index, so a
	// caller that looked it up just before sees it as gone.
	deleted bool
}

// NewSessionStore creates an empty SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{}
}

// Create starts a new empty session and returns its id.
func (s *SessionStore) Create() string {
	id := uuid.NewString()
	s.sessions.Store(id, &session{callIDs: make(map[string]struct{})})
	return id
}

func (s *SessionStore) get(id string) (*session, error) {
	v, ok := s.sessions.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return v.(*session), nil
}

// lock looks up the session and locks it. A session deleted after the
// lookup is reported as not found, with the lock released.
func (s *SessionStore) lock(id string) (*session, error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	if sess.deleted {
		sess.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// Exists reports whether a session with id exists.
func (s *SessionStore) Exists(id string) bool {
	_, ok := s.sessions.Load(id)
	return ok
}

// Snapshot returns a copy of the session history.
func (s *SessionStore) Snapshot(id string) ([]Message, error) {
	sess, err := s.lock(id)
	if err != nil {
		return nil, err
	}
	defer sess.mu.Unlock()
	out := make([]Message, len(sess.history))
	for i, msg := range sess.history {
		out[i] = msg.clone()
	}
	return out, nil
}

// Len returns the number of messages in the session.
func (s *SessionStore) Len(id string) (int, error) {
	sess, err := s.lock(id)
	if err != nil {
		return 0, err
	}
	defer sess.mu.Unlock()
	return len(sess.history), nil
}

// Append adds msg to the end of the session history. A tool message must
// answer a tool call of an earlier assistant message, and the tool call ids
// of one assistant message must be unique.
func (s *SessionStore) Append(id string, msg Message) error {
	sess, err := s.lock(id)
	if err != nil {
		return err
	}
	defer sess.mu.Unlock()

	switch msg.Role {
	case RoleUser, RoleSystem:
	case RoleAssistant:
		seen := make(map[string]struct{}, len(msg.ToolCalls))
		for _, call := range msg.ToolCalls {
			if call.ID == "" {
				return fmt.Errorf("%w: tool call %s has no id", ErrInvalidMessage, call.Name)
			}
			if _, dup := seen[call.ID]; dup {
				return fmt.Errorf("%w: %s", ErrDuplicateToolCallID, call.ID)
			}
			seen[call.ID] = struct{}{}
		}
		for callID := range seen {
			sess.callIDs[callID] = struct{}{}
		}
	case RoleTool:
		if _, ok := sess.callIDs[msg.ToolCallID]; !ok {
			return fmt.Errorf("%w: %q", ErrOrphanToolResult, msg.ToolCallID)
		}
		if msg.IsError && msg.Content == "" {
			return fmt.Errorf("%w: error result without content", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, msg.Role)
	}

	sess.history = append(sess.history, msg.clone())
	return nil
}

// Reset discards the session and returns the id of a fresh, empty one. A
// session with a running turn cannot be reset.
func (s *SessionStore) Reset(id string) (string, error) {
	sess, err := s.lock(id)
	if err != nil {
		return "", err
	}
	if sess.busy {
		sess.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrSessionBusy, id)
	}
	sess.deleted = true
	s.sessions.Delete(id)
	sess.mu.Unlock()
	return s.Create(), nil
}

// Delete removes a session. Deleting an unknown id is a no-op.
func (s *SessionStore) Delete(id string) {
	v, ok := s.sessions.LoadAndDelete(id)
	if !ok {
		return
	}
	sess := v.(*session)
	sess.mu.Lock()
	sess.deleted = true
	sess.mu.Unlock()
}

// Acquire marks the session as running a turn. The returned release func
// must be called when the turn ends. A second Acquire before release fails
// with ErrSessionBusy.
func (s *SessionStore) Acquire(id string) (release func(), err error) {
	sess, err := s.lock(id)
	if err != nil {
		return nil, err
	}
	defer sess.mu.Unlock()
	if sess.busy {
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, id)
	}
	sess.busy = true

	var once sync.Once
	return func() {
		once.Do(func() {
			sess.mu.Lock()
			sess.busy = false
			sess.mu.Unlock()
		})
	}, nil
}
