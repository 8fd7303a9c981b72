package agentloop

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const maxProjectDocBytes = 32 * 1024

// DefaultSystemPrompt is the base instruction used when none is configured.
const DefaultSystemPrompt = `You are a coding assistant working directly on the user's machine.

You can create, read, modify and delete files, list directories, run shell
commands and execute code through the tools you are given. Call tools with
structured tool calls only; never write a tool call as JSON or XML in your
reply text. Work step by step: inspect before you change, run what you wrote,
and read tool errors carefully before retrying.

When the task is complete, reply with a short plain-language summary of what
you did and anything the user still needs to do.`

// PromptContext carries what the system prompt describes about the
// environment.
type PromptContext struct {
	Base       string
	WorkingDir string
	Model      string
	Tools      []string
}

// BuildSystemPrompt assembles the base prompt, the environment block and any
// AGENTS.md instructions found between the git root and the working dir.
func BuildSystemPrompt(pc PromptContext) string {
	base := pc.Base
	if strings.TrimSpace(base) == "" {
		base = DefaultSystemPrompt
	}

	parts := []string{base, BuildEnvironmentContext(pc.WorkingDir, pc.Model)}
	if len(pc.Tools) > 0 {
		parts = append(parts, "Available tools: "+strings.Join(pc.Tools, ", "))
	}
	if docs := DiscoverProjectDocs(pc.WorkingDir); docs != "" {
		parts = append(parts, "<project_instructions>\n"+docs+"\n</project_instructions>")
	}
	return strings.Join(parts, "\n\n")
}

// BuildEnvironmentContext generates the environment block of the prompt.
func BuildEnvironmentContext(workingDir, model string) string {
	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", workingDir)
	if branch := gitBranch(workingDir); branch != "" {
		fmt.Fprintf(&sb, "Git branch: %s\n", branch)
	}
	fmt.Fprintf(&sb, "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&sb, "Today's date: %s\n", time.Now().Format("2006-01-02"))
	if model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// DiscoverProjectDocs loads AGENTS.md files from the git root (or the
// working directory outside a repository) down to the working directory,
// capped at 32KB in total.
func DiscoverProjectDocs(workingDir string) string {
	if workingDir == "" {
		return ""
	}
	root := gitRoot(workingDir)
	if root == "" {
		root = workingDir
	}

	var docs []string
	total := 0
	for _, dir := range pathHierarchy(root, workingDir) {
		content, err := os.ReadFile(filepath.Join(dir, "AGENTS.md"))
		if err != nil {
			continue
		}
		remaining := maxProjectDocBytes - total
		if remaining <= 0 {
			docs = append(docs, "[project instructions truncated at 32KB]")
			break
		}
		text := string(content)
		if len(text) > remaining {
			text = text[:remaining] + "\n[project instructions truncated at 32KB]"
		}
		docs = append(docs, fmt.Sprintf("# AGENTS.md (from %s)\n\n%s", dir, text))
		total += len(text)
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// pathHierarchy returns the directories from root down to target, inclusive.
func pathHierarchy(root, target string) []string {
	root = filepath.Clean(root)
	target = filepath.Clean(target)

	dirs := []string{root}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return dirs
	}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}

func gitRoot(dir string) string {
	return runGit(dir, "rev-parse", "--show-toplevel")
}

func gitBranch(dir string) string {
	return runGit(dir, "rev-parse", "--abbrev-ref", "HEAD")
}

func runGit(dir string, args ...string) string {
	if dir == "" {
		return ""
	}
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
