package agentloop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/martinemde/codeloop/sandbox"
)

// maxStall bounds the stall tool.
const maxStall = 5 * time.Minute

// maxExecTimeout bounds the timeout_seconds a model may ask for. The
// dispatcher deadline cuts a call off at DefaultToolTimeout anyway.
const maxExecTimeout = DefaultToolTimeout

// CoreToolsOptions selects optional tools.
type CoreToolsOptions struct {
	// EnableStall registers the stall tool, which lets the model wait for
	// background work to progress.
	EnableStall bool
}

// RegisterCoreTools registers the file, command and code tools.
func RegisterCoreTools(registry *ToolRegistry, ws *Workspace, exec *sandbox.Executor, opts CoreToolsOptions) error {
	tools := []struct {
		def     mcp.Tool
		handler ToolHandler
	}{
		{createWDTool(), createWDHandler(ws)},
		{createFileTool(), createFileHandler(ws)},
		{modifyFileTool(), modifyFileHandler(ws)},
		{appendFileTool(), appendFileHandler(ws)},
		{deleteFileTool(), deleteFileHandler(ws)},
		{deleteDirectoryTool(), deleteDirectoryHandler(ws)},
		{readFileTool(), readFileHandler(ws)},
		{listDirectoryTool(), listDirectoryHandler(ws)},
		{executeCommandTool(), executeCommandHandler(exec)},
		{executeCodeTool(exec), executeCodeHandler(exec)},
	}
	if opts.EnableStall {
		tools = append(tools, struct {
			def     mcp.Tool
			handler ToolHandler
		}{stallTool(), stallHandler})
	}

	for _, t := range tools {
		if err := registry.Register(t.def, t.handler); err != nil {
			return err
		}
	}
	return nil
}

func requiredString(args Arguments, key string) (string, error) {
	s, ok := args.GetString(key)
	if !ok {
		return "", fmt.Errorf("%s is required", key)
	}
	return s, nil
}

// create_wd

func createWDTool() mcp.Tool {
	return mcp.NewTool("create_wd",
		mcp.WithDescription("Create a working directory, including missing parents. Succeeds if it already exists."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Directory to create, absolute or relative to the working directory")),
	)
}

func createWDHandler(ws *Workspace) ToolHandler {
	return func(ctx context.Context, args Arguments) (string, error) {
		path, err := requiredString(args, "path")
		if err != nil {
			return "", err
		}
		resolved, err := ws.MakeDir(path)
		if err != nil {
			return "", err
		}
		return "Working directory created at " + resolved, nil
	}
}

// create_file

func createFileTool() mcp.Tool {
	return mcp.NewTool("create_file",
		mcp.WithDescription("Create a file with the given content, replacing it if it exists. Parent directories are created."),
		mcp.WithString("file_path", mcp.Required(), mcp.Description("Path of the file to create")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Full content of the file")),
	)
}

func createFileHandler(ws *Workspace) ToolHandler {
	return func(ctx context.Context, args Arguments) (string, error) {
		path, err := requiredString(args, "file_path")
		if err != nil {
			return "", err
		}
		content, _ := args.GetString("content")
		resolved, err := ws.WriteFile(path, content)
		if err != nil {
			return "", err
		}
		return "File created at " + resolved, nil
	}
}

// modify_file

func modifyFileTool() mcp.Tool {
	return mcp.NewTool("modify_file",
		mcp.WithDescription("Replace the first exact occurrence of old_content in a file with new_content."),
		mcp.WithString("file_path", mcp.Required(), mcp.Description("Path of the file to modify")),
		mcp.WithString("old_content", mcp.Required(), mcp.Description("Exact text to find")),
		mcp.WithString("new_content", mcp.Required(), mcp.Description("Replacement text")),
	)
}

func modifyFileHandler(ws *Workspace) ToolHandler {
	return func(ctx context.Context, args Arguments) (string, error) {
		path, err := requiredString(args, "file_path")
		if err != nil {
			return "", err
		}
		oldContent, _ := args.GetString("old_content")
		newContent, _ := args.GetString("new_content")
		resolved, err := ws.ReplaceFirst(path, oldContent, newContent)
		if err != nil {
			return "", err
		}
		return "File modified at " + resolved, nil
	}
}

// append_file

func appendFileTool() mcp.Tool {
	return mcp.NewTool("append_file",
		mcp.WithDescription("Append content to the end of a file, creating it if needed."),
		mcp.WithString("file_path", mcp.Required(), mcp.Description("Path of the file to append to")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Text to append")),
	)
}

func appendFileHandler(ws *Workspace) ToolHandler {
	return func(ctx context.Context, args Arguments) (string, error) {
		path, err := requiredString(args, "file_path")
		if err != nil {
			return "", err
		}
		content, _ := args.GetString("content")
		resolved, err := ws.AppendFile(path, content)
		if err != nil {
			return "", err
		}
		return "Content appended to " + resolved, nil
	}
}

// delete_file

func deleteFileTool() mcp.Tool {
	return mcp.NewTool("delete_file",
		mcp.WithDescription("Delete a single file."),
		mcp.WithString("file_path", mcp.Required(), mcp.Description("Path of the file to delete")),
	)
}

func deleteFileHandler(ws *Workspace) ToolHandler {
	return func(ctx context.Context, args Arguments) (string, error) {
		path, err := requiredString(args, "file_path")
		if err != nil {
			return "", err
		}
		resolved, err := ws.RemoveFile(path)
		if err != nil {
			return "", err
		}
		return "File deleted at " + resolved, nil
	}
}

// delete_directory

func deleteDirectoryTool() mcp.Tool {
	return mcp.NewTool("delete_directory",
		mcp.WithDescription("Delete an empty directory. Remove its contents first."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Directory to delete")),
	)
}

func deleteDirectoryHandler(ws *Workspace) ToolHandler {
	return func(ctx context.Context, args Arguments) (string, error) {
		path, err := requiredString(args, "path")
		if err != nil {
			return "", err
		}
		resolved, err := ws.RemoveDir(path)
		if err != nil {
			return "", err
		}
		return "Directory deleted at " + resolved, nil
	}
}

// read_file

func readFileTool() mcp.Tool {
	return mcp.NewTool("read_file",
		mcp.WithDescription("Read the full content of a file."),
		mcp.WithString("file_path", mcp.Required(), mcp.Description("Path of the file to read")),
	)
}

func readFileHandler(ws *Workspace) ToolHandler {
	return func(ctx context.Context, args Arguments) (string, error) {
		path, err := requiredString(args, "file_path")
		if err != nil {
			return "", err
		}
		return ws.ReadFile(path)
	}
}

// list_directory

func listDirectoryTool() mcp.Tool {
	return mcp.NewTool("list_directory",
		mcp.WithDescription("Show a directory and everything below it as a tree."),
		mcp.WithString("path", mcp.Description("Directory to list"), mcp.DefaultString(".")),
	)
}

func listDirectoryHandler(ws *Workspace) ToolHandler {
	return func(ctx context.Context, args Arguments) (string, error) {
		return ws.Tree(args.GetStringOr("path", "."))
	}
}

// execute_command

func executeCommandTool() mcp.Tool {
	return mcp.NewTool("execute_command",
		mcp.WithDescription("Run a shell command in the working directory and return its output and exit code. "+
			"Destructive system-wide operations are refused."),
		mcp.WithString("command", mcp.Required(), mcp.Description("Shell command to run")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Wall-clock limit in seconds (default 60)")),
	)
}

func executeCommandHandler(exec *sandbox.Executor) ToolHandler {
	return func(ctx context.Context, args Arguments) (string, error) {
		command, err := requiredString(args, "command")
		if err != nil {
			return "", err
		}
		timeout := timeoutArg(args, exec.CommandTimeout())
		res, err := exec.RunCommand(ctx, command, timeout)
		if err != nil {
			return "", err
		}
		return formatExecResult(res, timeout, "Command executed successfully (no output)")
	}
}

// execute_code

func executeCodeTool(exec *sandbox.Executor) mcp.Tool {
	return mcp.NewTool("execute_code",
		mcp.WithDescription("Run a code snippet with an interpreter and return its output and exit code."),
		mcp.WithString("code", mcp.Required(), mcp.Description("Source code to run")),
		mcp.WithString("language", mcp.Description("Language of the code"), mcp.DefaultString("python"),
			mcp.Enum(exec.Languages()...)),
		mcp.WithNumber("timeout_seconds", mcp.Description("Wall-clock limit in seconds (default 30)")),
	)
}

func executeCodeHandler(exec *sandbox.Executor) ToolHandler {
	return func(ctx context.Context, args Arguments) (string, error) {
		code, err := requiredString(args, "code")
		if err != nil {
			return "", err
		}
		language := args.GetStringOr("language", "python")
		timeout := timeoutArg(args, exec.CodeTimeout())
		res, err := exec.RunCode(ctx, code, language, timeout)
		if err != nil {
			return "", err
		}
		return formatExecResult(res, timeout, "Code executed successfully")
	}
}

// timeoutArg reads timeout_seconds, falling back to def for missing or
// non-positive values and capping it at maxExecTimeout.
func timeoutArg(args Arguments, def time.Duration) time.Duration {
	secs, ok := args.GetFloat("timeout_seconds")
	if !ok || !(secs > 0) {
		return def
	}
	return secondsUpTo(secs, maxExecTimeout)
}

// secondsUpTo converts secs to a duration no longer than limit. The
// comparison happens in seconds so huge values cannot overflow.
func secondsUpTo(secs float64, limit time.Duration) time.Duration {
	if secs >= limit.Seconds() {
		return limit
	}
	return time.Duration(secs * float64(time.Second))
}

// formatExecResult renders a process result for the model. Blocked and
// timed-out runs become errors so the model sees them flagged as failures.
func formatExecResult(res sandbox.ExecResult, timeout time.Duration, emptyMessage string) (string, error) {
	if res.Blocked {
		return "", fmt.Errorf("BLOCKED: extremely destructive operation matched %s", res.BlockedPattern)
	}

	var sb strings.Builder
	if res.Stdout != "" {
		sb.WriteString("Output:\n")
		sb.WriteString(res.Stdout)
	}
	if res.Stderr != "" {
		sb.WriteString("\nErrors:\n")
		sb.WriteString(res.Stderr)
	}

	if res.TimedOut {
		msg := fmt.Sprintf("execution timed out after %s and was killed", timeout)
		if sb.Len() > 0 {
			msg += "\npartial output:\n" + sb.String()
		}
		return "", errors.New(msg)
	}

	if res.ExitCode != 0 {
		fmt.Fprintf(&sb, "\nReturn code: %d", res.ExitCode)
	}
	if sb.Len() == 0 {
		return emptyMessage, nil
	}
	return sb.String(), nil
}

// stall

func stallTool() mcp.Tool {
	return mcp.NewTool("stall",
		mcp.WithDescription("Wait for a number of seconds, for example while a background process starts."),
		mcp.WithNumber("duration", mcp.Required(), mcp.Description("Seconds to wait (max 300)")),
	)
}

func stallHandler(ctx context.Context, args Arguments) (string, error) {
	secs, ok := args.GetFloat("duration")
	if !ok || !(secs >= 0) {
		return "", fmt.Errorf("duration must be a non-negative number of seconds")
	}
	d := secondsUpTo(secs, maxStall)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return fmt.Sprintf("Stalled for %s", d), nil
	}
}
