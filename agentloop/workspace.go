package agentloop

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Workspace performs the file operations of the core tools. Relative paths
// are resolved against its root.
type Workspace struct {
	root string
}

// NewWorkspace creates a Workspace rooted at dir, defaulting to the current
// directory.
func NewWorkspace(dir string) *Workspace {
	if dir == "" {
		dir, _ = os.Getwd()
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return &Workspace{root: dir}
}

// Root returns the workspace directory.
func (w *Workspace) Root() string { return w.root }

// Resolve returns the absolute path for path.
func (w *Workspace) Resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(w.root, path)
}

// MakeDir creates a directory and its parents. It succeeds if the directory
// already exists.
func (w *Workspace) MakeDir(path string) (string, error) {
	resolved := w.Resolve(path)
	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return "", err
	}
	return resolved, nil
}

// WriteFile creates or replaces a file, creating parent directories.
func (w *Workspace) WriteFile(path, content string) (string, error) {
	resolved := w.Resolve(path)
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", fmt.Errorf("create parent directory: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return "", err
	}
	return resolved, nil
}

// AppendFile appends content to a file, creating it if needed.
func (w *Workspace) AppendFile(path, content string) (string, error) {
	resolved := w.Resolve(path)
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", fmt.Errorf("create parent directory: %w", err)
	}
	f, err := os.OpenFile(resolved, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return "", err
	}
	return resolved, f.Close()
}

// ReadFile returns the content of a file.
func (w *Workspace) ReadFile(path string) (string, error) {
	data, err := os.ReadFile(w.Resolve(path))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReplaceFirst replaces the first exact occurrence of old with new.
func (w *Workspace) ReplaceFirst(path, old, new string) (string, error) {
	resolved := w.Resolve(path)
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", err
	}
	content := string(data)
	if old == "" || !strings.Contains(content, old) {
		return "", fmt.Errorf("content not found in %s", path)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	updated := strings.Replace(content, old, new, 1)
	if err := os.WriteFile(resolved, []byte(updated), info.Mode().Perm()); err != nil {
		return "", err
	}
	return resolved, nil
}

// RemoveFile deletes a regular file. Directories are refused.
func (w *Workspace) RemoveFile(path string) (string, error) {
	resolved := w.Resolve(path)
	info, err := os.Lstat(resolved)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory; use delete_directory", path)
	}
	return resolved, os.Remove(resolved)
}

// RemoveDir deletes an empty directory.
func (w *Workspace) RemoveDir(path string) (string, error) {
	resolved := w.Resolve(path)
	info, err := os.Lstat(resolved)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", path)
	}
	if err := os.Remove(resolved); err != nil {
		entries, readErr := os.ReadDir(resolved)
		if readErr == nil && len(entries) > 0 {
			return "", fmt.Errorf("directory %s is not empty", path)
		}
		return "", err
	}
	return resolved, nil
}

// Tree renders path and everything below it as an ASCII tree. Within a
// directory, files are listed before subdirectories, each group sorted by
// name.
func (w *Workspace) Tree(path string) (string, error) {
	resolved := w.Resolve(path)
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", path)
	}

	lines := []string{resolved + "/", "│"}
	lines, err = appendTree(lines, resolved, "")
	if err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}

func appendTree(lines []string, dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return lines, err
	}

	var files, dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		} else {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	sort.Strings(dirs)

	names := append(files, dirs...)
	for i, name := range names {
		last := i == len(names)-1
		connector, childPrefix := "├── ", prefix+"│   "
		if last {
			connector, childPrefix = "└── ", prefix+"    "
		}

		if i < len(files) {
			lines = append(lines, prefix+connector+name)
			continue
		}

		lines = append(lines, prefix+connector+name+"/")
		var subErr error
		lines, subErr = appendTree(lines, filepath.Join(dir, name), childPrefix)
		if subErr != nil {
			lines = append(lines, childPrefix+"└── "+describeFSError(subErr))
		}
	}
	return lines, nil
}

func describeFSError(err error) string {
	if errors.Is(err, fs.ErrPermission) {
		return "[permission denied]"
	}
	return "[error: " + err.Error() + "]"
}
