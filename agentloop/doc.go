// Package agentloop runs coding-agent turns: a model proposes tool calls,
// the loop executes them against the workspace and feeds the results back
// until the model answers in plain text.
//
// A turn is driven by a pure transition function, Next, over the states
// AwaitingModel, ValidatingResponse, ExecutingTools, Done and Failed. The
// Machine performs the side effects for each state: it calls the LLMClient,
// classifies the reply, dispatches tool calls through the Dispatcher and
// appends every message to the SessionStore. Replies that look like broken
// tool calls are answered with a repair prompt until the retry budget runs
// out.
//
// Progress is reported as Events. An EventDispatcher fans them out to any
// number of subscribers, each with its own queue, so a slow consumer never
// blocks the turn.
//
//	store := agentloop.NewSessionStore()
//	registry := agentloop.NewToolRegistry()
//	_ = agentloop.RegisterCoreTools(registry, ws, executor, agentloop.CoreToolsOptions{})
//	machine := agentloop.NewMachine(llm, agentloop.NewDispatcher(registry), store)
//
//	id := store.Create()
//	out, err := machine.Run(ctx, id, "add a README", agentloop.PublisherFunc(func(ev agentloop.Event) {
//	    fmt.Println(ev.Kind, ev.Content)
//	}))
package agentloop
