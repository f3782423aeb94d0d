// Package fsio implements the default handlers for fs/read_text_file and
// fs/write_text_file. Hosts that need sandboxing or virtual filesystems
// install their own Client implementation instead.
package fsio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReadTextFile returns the file's contents as UTF-8 text. A one-based line
// offset and a line limit window the result the way ACP specifies: line
// selects the first line returned, limit caps how many lines follow.
func ReadTextFile(path string, line, limit *int) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("path must be absolute: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	content := string(data)
	if line == nil && limit == nil {
		return content, nil
	}

	lines := strings.Split(content, "\n")
	start := 0
	if line != nil && *line > 1 {
		start = *line - 1
		if start > len(lines) {
			start = len(lines)
		}
	}
	end := len(lines)
	if limit != nil && *limit >= 0 && start+*limit < end {
		end = start + *limit
	}
	return strings.Join(lines[start:end], "\n"), nil
}

// WriteTextFile replaces the file's contents, creating parent directories
// as needed.
func WriteTextFile(path, content string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("path must be absolute: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dirs: %w", err)
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
