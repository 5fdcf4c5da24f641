package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

const promptFileName = "prompt.txt"

// Scratch is the private directory holding one execution's prompt file.
type Scratch struct {
	Path       string
	PromptPath string
}

// Create makes a fresh scratch directory under baseDir (the system temp dir
// when empty) and writes the prompt into it, readable only by this user.
func Create(baseDir, itemID, prompt string) (*Scratch, error) {
	path, err := os.MkdirTemp(baseDir, "neuron-"+sanitize(itemID)+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	s := &Scratch{
		Path:       path,
		PromptPath: filepath.Join(path, promptFileName),
	}

	if err := os.WriteFile(s.PromptPath, []byte(prompt), 0600); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to write prompt file: %w", err)
	}

	return s, nil
}

// OpenPrompt opens the prompt file for use as a child's stdin.
func (s *Scratch) OpenPrompt() (*os.File, error) {
	return os.Open(s.PromptPath)
}

// Close removes the prompt file and its directory.
func (s *Scratch) Close() error {
	if s == nil || s.Path == "" {
		return nil
	}
	return os.RemoveAll(s.Path)
}

// Resolve returns the first candidate that exists and is a directory, as an
// absolute path. Empty candidates are skipped.
func Resolve(candidates ...string) (string, bool) {
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		info, err := os.Stat(candidate)
		if err != nil || !info.IsDir() {
			continue
		}
		abs, err := filepath.Abs(candidate)
		if err != nil {
			continue
		}
		return abs, true
	}
	return "", false
}

// sanitize keeps item ids safe for use in a directory name pattern.
func sanitize(id string) string {
	const maxLen = 32
	out := make([]byte, 0, len(id))
	for i := 0; i < len(id) && len(out) < maxLen; i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "item"
	}
	return string(out)
}
