package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/martinemde/codeloop/agentloop"
)

const (
	maxArgDisplay     = 200
	argPreview        = 150
	maxOutputDisplay  = 1000
	outputPreview     = 800
	clearScreenEscape = "\033[H\033[2J"
)

// repl is the interactive chat loop. Interrupts cancel the running turn, or
// end the session when no turn is running.
type repl struct {
	machine    *agentloop.Machine
	model      string
	out        io.Writer
	lines      <-chan string
	interrupts <-chan os.Signal
	sessionID  string
}

func newREPL(machine *agentloop.Machine, model string, in io.Reader, out io.Writer, interrupts <-chan os.Signal, done <-chan struct{}) *repl {
	return &repl{
		machine:    machine,
		model:      model,
		out:        out,
		lines:      readLines(in, done),
		interrupts: interrupts,
		sessionID:  machine.Store().Create(),
	}
}

// readLines delivers input lines until EOF or done is closed.
func readLines(in io.Reader, done <-chan struct{}) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()
	return lines
}

func (r *repl) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

func (r *repl) help() {
	r.printf("Type your message and press Enter to chat.\n")
	r.printf("  quit, exit, q                end the conversation\n")
	r.printf("  clear                        clear conversation history\n")
	r.printf("  cls, clearterm, clearscreen  clear the terminal\n")
	r.printf("Current model: %s\n", r.model)
}

// readLine waits for the next input line. ok is false on EOF, interrupt or
// cancellation.
func (r *repl) readLine(ctx context.Context, prompt string) (line string, ok bool) {
	r.printf("%s", prompt)
	select {
	case line, ok = <-r.lines:
		return strings.TrimSpace(line), ok
	case <-r.interrupts:
		r.printf("\nInterrupted by user\n")
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

func (r *repl) run(ctx context.Context) error {
	r.help()
	defer r.printf("\nGoodbye!\n")

	for {
		input, ok := r.readLine(ctx, "\nYou: ")
		if !ok {
			return nil
		}

		switch strings.ToLower(input) {
		case "":
			continue
		case "quit", "exit", "q":
			return nil
		case "clear":
			newID, err := r.machine.Store().Reset(r.sessionID)
			if err != nil {
				return err
			}
			r.sessionID = newID
			r.printf("Conversation history has been cleared.\n")
			continue
		case "cls", "clearterm", "clearscreen":
			r.printf("%s", clearScreenEscape)
			continue
		}

		err := r.turn(ctx, func(turnCtx context.Context, pub agentloop.Publisher) error {
			_, err := r.machine.Run(turnCtx, r.sessionID, input, pub)
			return err
		})
		for errors.Is(err, agentloop.ErrRecursionLimitExceeded) {
			answer, ok := r.readLine(ctx, "Continue? [y/N]: ")
			if !ok {
				return nil
			}
			if a := strings.ToLower(answer); a != "y" && a != "yes" && a != "continue" {
				break
			}
			err = r.turn(ctx, func(turnCtx context.Context, pub agentloop.Publisher) error {
				_, err := r.machine.Resume(turnCtx, r.sessionID, pub)
				return err
			})
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// turn runs fn with a context that an interrupt cancels.
func (r *repl) turn(ctx context.Context, fn func(context.Context, agentloop.Publisher) error) error {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-r.interrupts:
			cancel()
		case <-finished:
		}
	}()

	return fn(turnCtx, eventPrinter{out: r.out, model: r.model})
}

// runPrompt runs a single turn for --prompt and prints its events.
func runPrompt(ctx context.Context, machine *agentloop.Machine, model, prompt string, out io.Writer) error {
	id := machine.Store().Create()
	_, err := machine.Run(ctx, id, prompt, eventPrinter{out: out, model: model})
	return err
}

// eventPrinter renders turn events for a terminal.
type eventPrinter struct {
	out   io.Writer
	model string
}

func (p eventPrinter) Publish(ev agentloop.Event) {
	switch ev.Kind {
	case agentloop.EventAssistantText:
		if strings.TrimSpace(ev.Content) != "" {
			fmt.Fprintf(p.out, "\n%s: %s\n", p.model, ev.Content)
		}
	case agentloop.EventToolCallStarted:
		fmt.Fprintf(p.out, "\n> %s\n", ev.ToolName)
		keys := make([]string, 0, len(ev.Arguments))
		for k := range ev.Arguments {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(p.out, "  %s: %s\n", k, formatArg(ev.Arguments[k]))
		}
	case agentloop.EventToolCallFinished:
		if ev.Result == nil {
			return
		}
		status := "completed"
		if ev.Result.IsError {
			status = "failed"
		}
		fmt.Fprintf(p.out, "< %s %s\n%s\n", ev.ToolName, status, formatOutput(ev.Result.Content))
	case agentloop.EventError:
		if ev.Terminal {
			fmt.Fprintf(p.out, "\nError: %s\n", ev.Message)
		} else {
			fmt.Fprintf(p.out, "\nWarning: %s\n", ev.Message)
		}
	}
}

func formatArg(v any) string {
	s := fmt.Sprint(v)
	if len(s) > maxArgDisplay {
		return prefix(s, argPreview) + "..."
	}
	return s
}

func formatOutput(content string) string {
	content = strings.TrimPrefix(strings.TrimSpace(content), "Output:\n")
	if len(content) > maxOutputDisplay {
		return prefix(content, outputPreview) + "\n... (output truncated)"
	}
	return content
}

// prefix returns at most n bytes of s without splitting a rune.
func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
