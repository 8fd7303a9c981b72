package agentloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/codeloop/unifiedllm"
)

func TestRunPlainAnswer(t *testing.T) {
	client := script(reply("The answer is 42."))
	f := newMachineFixture(t, client, testConfig())
	rec := &recorder{}

	out, err := f.machine.Run(context.Background(), f.session, "What is six times seven?", rec)
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, 1, out.Steps)
	assert.Equal(t, "The answer is 42.", out.Reply)
	assert.Equal(t, 1, client.callCount())

	assert.Equal(t, []EventKind{EventUserInput, EventAssistantText}, rec.kinds())
	for i, ev := range rec.events {
		assert.Equal(t, i+1, ev.Seq)
		assert.Equal(t, f.session, ev.SessionID)
	}

	history, err := f.store.Snapshot(f.session)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, RoleUser, history[0].Role)
	assert.Equal(t, RoleAssistant, history[1].Role)
	assert.Empty(t, history[1].ToolCalls)
}

func TestRunToolRound(t *testing.T) {
	client := script(
		reply("", ToolCallRequest{ID: "c1", Name: "echo", Arguments: Arguments{"text": "hi"}}),
		reply("Echoed."),
	)
	f := newMachineFixture(t, client, testConfig())
	rec := &recorder{}

	out, err := f.machine.Run(context.Background(), f.session, "echo hi", rec)
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, 2, out.Steps)

	assert.Equal(t, []EventKind{
		EventUserInput,
		EventAssistantText,
		EventToolCallStarted,
		EventToolCallFinished,
		EventAssistantText,
	}, rec.kinds())
	finished := rec.events[3]
	require.NotNil(t, finished.Result)
	assert.Equal(t, "echo: hi", finished.Result.Content)
	assert.False(t, finished.Result.IsError)

	history, err := f.store.Snapshot(f.session)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, RoleTool, history[2].Role)
	assert.Equal(t, "c1", history[2].ToolCallID)
	assertHistoryInvariants(t, history)

	// The second model call sees the tool result.
	require.Len(t, client.requests, 2)
	assert.Len(t, client.requests[1], 3)
}

func TestRunEventArgumentsAreCopies(t *testing.T) {
	client := script(
		reply("", ToolCallRequest{ID: "c1", Name: "echo", Arguments: Arguments{"text": "hi"}}),
		reply("Echoed."),
	)
	f := newMachineFixture(t, client, testConfig())
	pub := PublisherFunc(func(ev Event) {
		if ev.Kind == EventToolCallStarted {
			ev.Arguments["text"] = "rewritten by consumer"
		}
	})

	_, err := f.machine.Run(context.Background(), f.session, "echo hi", pub)
	require.NoError(t, err)

	history, err := f.store.Snapshot(f.session)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "hi", history[1].ToolCalls[0].Arguments["text"])
	assert.Equal(t, "echo: hi", history[2].Content)
}

func TestRunUnknownToolContinues(t *testing.T) {
	client := script(
		reply("", ToolCallRequest{ID: "c1", Name: "nonexistent_tool", Arguments: Arguments{}}),
		reply("Sorry, no such tool."),
	)
	f := newMachineFixture(t, client, testConfig())

	out, err := f.machine.Run(context.Background(), f.session, "go", nil)
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)

	history, _ := f.store.Snapshot(f.session)
	assert.True(t, history[2].IsError)
	assert.Equal(t, "Unknown tool: nonexistent_tool", history[2].Content)
}

func TestRunMalformedThenRecovers(t *testing.T) {
	client := script(
		reply(`{"name": "echo", "arguments": {"text": "hi"}}`),
		reply("Plain answer."),
	)
	f := newMachineFixture(t, client, testConfig())
	rec := &recorder{}

	out, err := f.machine.Run(context.Background(), f.session, "echo hi", rec)
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)

	assert.Equal(t, []EventKind{
		EventUserInput,
		EventAssistantText,
		EventError,
		EventAssistantText,
	}, rec.kinds())
	assert.Equal(t, ErrorKindMalformedToolCall, rec.events[2].ErrorKind)
	assert.False(t, rec.events[2].Terminal)

	history, _ := f.store.Snapshot(f.session)
	require.Len(t, history, 4)
	retry := history[2]
	assert.Equal(t, RoleTool, retry.Role)
	assert.Equal(t, malformedRetryMessage, retry.Content)
	assertHistoryInvariants(t, history)
}

func TestRunMalformedRetryBudget(t *testing.T) {
	client := script(reply(`{"tool_call": "echo"}`))
	cfg := testConfig()
	cfg.MaxMalformedRetries = 2
	f := newMachineFixture(t, client, cfg)
	rec := &recorder{}

	out, err := f.machine.Run(context.Background(), f.session, "go", rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetryBudgetExceeded)
	assert.ErrorIs(t, err, ErrRecursionLimitExceeded)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, 3, client.callCount())

	history, _ := f.store.Snapshot(f.session)
	retries := 0
	for _, msg := range history {
		if msg.Role == RoleTool && msg.Content == malformedRetryMessage {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
	assertHistoryInvariants(t, history)

	terminal := rec.terminalErrors()
	require.Len(t, terminal, 1)
	assert.Equal(t, ErrorKindRecursionLimitExceeded, terminal[0].ErrorKind)
	assert.Equal(t, EventError, rec.events[len(rec.events)-1].Kind)
}

func TestRunStepBudgetAndResume(t *testing.T) {
	call := func(id string) ToolCallRequest {
		return ToolCallRequest{ID: id, Name: "echo", Arguments: Arguments{"text": id}}
	}
	client := script(
		reply("", call("a")),
		reply("", call("b")),
		reply("", call("c")),
		reply("Finished."),
	)
	cfg := testConfig()
	cfg.MaxSteps = 2
	f := newMachineFixture(t, client, cfg)
	rec := &recorder{}

	out, err := f.machine.Run(context.Background(), f.session, "loop", rec)
	assert.ErrorIs(t, err, ErrRecursionLimitExceeded)
	assert.NotErrorIs(t, err, ErrRetryBudgetExceeded)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, 2, out.Steps)
	terminal := rec.terminalErrors()
	require.Len(t, terminal, 1)
	assert.Equal(t, ErrorKindRecursionLimitExceeded, terminal[0].ErrorKind)

	before, _ := f.store.Snapshot(f.session)
	assertHistoryInvariants(t, before)

	resumed := &recorder{}
	out, err = f.machine.WithMaxSteps(5).Resume(context.Background(), f.session, resumed)
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, "Finished.", out.Reply)
	assert.Equal(t, EventAssistantText, resumed.kinds()[0], "resume adds no user input")
	assert.Equal(t, 1, resumed.events[0].Seq)

	after, _ := f.store.Snapshot(f.session)
	assert.Equal(t, before, after[:len(before)], "resume only appends")
}

func TestRunTransportError(t *testing.T) {
	rateLimited := unifiedllm.ErrorFromStatusCode(429, "slow down", "test", "", nil, nil)
	client := script(failWith(rateLimited))
	f := newMachineFixture(t, client, testConfig())
	rec := &recorder{}

	out, err := f.machine.Run(context.Background(), f.session, "hi", rec)
	assert.Equal(t, StateFailed, out.State)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Retryable)
	assert.Equal(t, 1, client.callCount(), "the machine does not retry transport errors")

	terminal := rec.terminalErrors()
	require.Len(t, terminal, 1)
	assert.Equal(t, ErrorKindTransport, terminal[0].ErrorKind)
	assert.Contains(t, terminal[0].Message, "rate limiting")

	// The session stays usable.
	f.machine.client = script(reply("Back."))
	out, err = f.machine.Run(context.Background(), f.session, "again", nil)
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)
}

func TestResumeEmptyHistory(t *testing.T) {
	client := script(reply("unused"))
	f := newMachineFixture(t, client, testConfig())
	rec := &recorder{}

	out, err := f.machine.Resume(context.Background(), f.session, rec)
	assert.ErrorIs(t, err, ErrEmptyHistory)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, 0, client.callCount())
	require.Len(t, rec.events, 1)
	assert.Equal(t, ErrorKindEmptyHistory, rec.events[0].ErrorKind)
	assert.True(t, rec.events[0].Terminal)
}

func TestRunDuplicateCallIDs(t *testing.T) {
	client := script(
		reply("",
			ToolCallRequest{ID: "dup", Name: "echo", Arguments: Arguments{"text": "1"}},
			ToolCallRequest{ID: "dup", Name: "echo", Arguments: Arguments{"text": "2"}},
			ToolCallRequest{ID: "", Name: "echo", Arguments: Arguments{"text": "3"}},
		),
		reply("ok"),
	)
	f := newMachineFixture(t, client, testConfig())

	_, err := f.machine.Run(context.Background(), f.session, "go", nil)
	require.NoError(t, err)

	history, _ := f.store.Snapshot(f.session)
	calls := history[1].ToolCalls
	require.Len(t, calls, 3)
	assert.Equal(t, "dup", calls[0].ID)
	assert.Equal(t, "dup#2", calls[1].ID)
	assert.Regexp(t, `^call_[0-9a-f-]{8}$`, calls[2].ID)
	assertHistoryInvariants(t, history)
}

func TestNormalizeCallIDs(t *testing.T) {
	in := []ToolCallRequest{{ID: "a"}, {ID: "a#2"}, {ID: "a"}, {ID: "b"}, {ID: "a"}}
	out := NormalizeCallIDs(in)

	ids := make([]string, len(out))
	for i, c := range out {
		ids[i] = c.ID
	}
	assert.Equal(t, []string{"a", "a#2", "a#3", "b", "a#4"}, ids)
	assert.Equal(t, "a", in[2].ID, "input is not modified")
	assert.Equal(t, out, NormalizeCallIDs(out))
}

func TestRunHistoryIsPrefixStable(t *testing.T) {
	client := script(reply("one"), reply("two"), reply("three"))
	f := newMachineFixture(t, client, testConfig())

	var previous []Message
	for _, input := range []string{"a", "b", "c"} {
		_, err := f.machine.Run(context.Background(), f.session, input, nil)
		require.NoError(t, err)

		history, err := f.store.Snapshot(f.session)
		require.NoError(t, err)
		require.Greater(t, len(history), len(previous))
		assert.Equal(t, previous, history[:len(previous)])
		previous = history
	}
	assert.Len(t, previous, 6)
}

func TestRunCancelledDuringTools(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := NewToolRegistry()
	require.NoError(t, registry.Register(mcp.NewTool("cancel_turn"), func(context.Context, Arguments) (string, error) {
		cancel()
		return "cancelled the turn", nil
	}))
	require.NoError(t, registry.Register(echoTool(), echoHandler))

	client := script(reply("",
		ToolCallRequest{ID: "c1", Name: "cancel_turn", Arguments: Arguments{}},
		ToolCallRequest{ID: "c2", Name: "echo", Arguments: Arguments{"text": "never"}},
		ToolCallRequest{ID: "c3", Name: "echo", Arguments: Arguments{"text": "never"}},
	))
	store := NewSessionStore()
	m := NewMachine(client, NewDispatcher(registry), store, WithConfig(testConfig()))
	id := store.Create()
	rec := &recorder{}

	out, err := m.Run(ctx, id, "go", rec)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, out.State)

	history, _ := store.Snapshot(id)
	require.Len(t, history, 5)
	assertHistoryInvariants(t, history)
	assert.False(t, history[2].IsError)
	for _, msg := range history[3:] {
		assert.True(t, msg.IsError)
		assert.Contains(t, msg.Content, "Cancelled")
	}

	terminal := rec.terminalErrors()
	require.Len(t, terminal, 1)
	assert.Equal(t, ErrorKindCancelled, terminal[0].ErrorKind)
	assert.Equal(t, EventError, rec.events[len(rec.events)-1].Kind)
}

func TestRunCancelledDuringModelCall(t *testing.T) {
	started := make(chan struct{})
	client := script(func(ctx context.Context, _ []Message) (Message, error) {
		close(started)
		<-ctx.Done()
		return Message{}, ctx.Err()
	})
	f := newMachineFixture(t, client, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}

	go func() {
		<-started
		cancel()
	}()
	_, err := f.machine.Run(ctx, f.session, "wait", rec)
	assert.ErrorIs(t, err, ErrCancelled)
	require.Len(t, rec.terminalErrors(), 1)
	assert.Equal(t, ErrorKindCancelled, rec.terminalErrors()[0].ErrorKind)
}

func TestRunLLMTimeoutIsTransport(t *testing.T) {
	client := script(func(ctx context.Context, _ []Message) (Message, error) {
		<-ctx.Done()
		return Message{}, ctx.Err()
	})
	cfg := testConfig()
	cfg.LLMTimeout = 50 * time.Millisecond
	f := newMachineFixture(t, client, cfg)
	rec := &recorder{}

	_, err := f.machine.Run(context.Background(), f.session, "hi", rec)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, rec.terminalErrors()[0].Message, "did not answer in time")
}

func TestRunSessionBusy(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var calls atomic.Int32
	client := script(func(ctx context.Context, _ []Message) (Message, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return NewAssistantMessage("done"), nil
	})
	f := newMachineFixture(t, client, testConfig())

	errc := make(chan error, 1)
	go func() {
		_, err := f.machine.Run(context.Background(), f.session, "first", nil)
		errc <- err
	}()
	<-entered

	_, err := f.machine.Run(context.Background(), f.session, "second", nil)
	assert.ErrorIs(t, err, ErrSessionBusy)

	other := f.store.Create()
	out, err := f.machine.Run(context.Background(), other, "independent", nil)
	require.NoError(t, err, "other sessions are not blocked")
	assert.Equal(t, StateDone, out.State)

	close(release)
	require.NoError(t, <-errc)

	history, _ := f.store.Snapshot(f.session)
	assert.Len(t, history, 2, "rejected turn appended nothing")
}

func TestRunLoopDetectionWarns(t *testing.T) {
	same := func(id string) func(context.Context, []Message) (Message, error) {
		return reply("", ToolCallRequest{ID: id, Name: "echo", Arguments: Arguments{"text": "again"}})
	}
	client := script(same("1"), same("2"), same("3"), reply("stopping"))
	cfg := testConfig()
	cfg.LoopDetectionWindow = 3
	f := newMachineFixture(t, client, cfg)
	rec := &recorder{}

	_, err := f.machine.Run(context.Background(), f.session, "go", rec)
	require.NoError(t, err)

	history, _ := f.store.Snapshot(f.session)
	var toolContents []string
	for _, msg := range history {
		if msg.Role == RoleTool {
			toolContents = append(toolContents, msg.Content)
		}
	}
	require.Len(t, toolContents, 3)
	assert.NotContains(t, toolContents[1], "loop detected")
	assert.Contains(t, toolContents[2], "loop detected")

	for _, ev := range rec.events {
		if ev.Kind == EventToolCallFinished {
			assert.Equal(t, "echo: again", ev.Result.Content, "events carry the untouched output")
		}
	}
}

func TestStream(t *testing.T) {
	client := script(
		reply("", ToolCallRequest{ID: "c1", Name: "echo", Arguments: Arguments{"text": "x"}}),
		reply("done"),
	)
	f := newMachineFixture(t, client, testConfig())

	s := f.machine.Stream(context.Background(), f.session, "go")
	var kinds []EventKind
	for ev := range s.Events() {
		kinds = append(kinds, ev.Kind)
	}
	out, err := s.Wait()
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, []EventKind{
		EventUserInput, EventAssistantText, EventToolCallStarted, EventToolCallFinished, EventAssistantText,
	}, kinds)
}

func TestStreamCancel(t *testing.T) {
	started := make(chan struct{})
	client := script(func(ctx context.Context, _ []Message) (Message, error) {
		close(started)
		<-ctx.Done()
		return Message{}, ctx.Err()
	})
	f := newMachineFixture(t, client, testConfig())

	s := f.machine.Stream(context.Background(), f.session, "wait")
	<-started
	s.Cancel()

	var last Event
	for ev := range s.Events() {
		last = ev
	}
	_, err := s.Wait()
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, EventError, last.Kind)
	assert.Equal(t, ErrorKindCancelled, last.ErrorKind)
	assert.True(t, last.Terminal)
}
