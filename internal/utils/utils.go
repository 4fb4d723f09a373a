package utils

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// --- 1. Process Safety & Command Wrapping ---

// MaxLogBytes caps the stderr kept per child process; older output is dropped.
const MaxLogBytes = 64 * 1024

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (ffmpeg and Python logs)
// This ensures we don't lose critical crash information if a child process dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *TailBuffer
}

// TailBuffer is an io.Writer that keeps the last Max bytes written to it.
// It is safe to read while exec's copy goroutine is still writing.
type TailBuffer struct {
	Max int

	mu  sync.Mutex
	buf bytes.Buffer
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	if t.Max > 0 && n > t.Max {
		p = p[n-t.Max:]
	}
	t.buf.Write(p)
	if over := t.buf.Len() - t.Max; t.Max > 0 && over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

// NewSafeCommand initializes a command bound to ctx and attaches a buffer to its Stderr pipe.
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	// Grandchildren holding the stderr pipe must not block Wait after a kill.
	cmd.WaitDelay = 2 * time.Second
	stderr := &TailBuffer{Max: MaxLogBytes}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// Logs returns the captured stderr, trimmed. Safe to call on a nil command.
func (s *SafeCommand) Logs() string {
	if s == nil || s.Stderr == nil {
		return ""
	}
	return strings.TrimSpace(s.Stderr.String())
}

// ShowError prints a formatted error box to w and dumps the child process logs,
// taken from s or from an error in the chain that carries them.
func ShowError(w io.Writer, context string, err error, s *SafeCommand) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "🚨 VEIL ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(w, "DETAILS: %v\n", err)
	}

	logs := s.Logs()
	if logs == "" {
		var pl interface{ ProcessLogs() string }
		if errors.As(err, &pl) {
			logs = strings.TrimSpace(pl.ProcessLogs())
		}
	}
	if logs != "" {
		fmt.Fprintf(w, "\nPROCESS LOGS:\n%s\n", logs)
	}
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

// RequireBinary checks that an external tool is on PATH (or is an existing file).
func RequireBinary(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	return path, nil
}

// --- 2. Identity ---

// GenerateVideoID creates a deterministic hash for the video file
// based on its path, size, and modification time.
func GenerateVideoID(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	input := fmt.Sprintf("%s-%d-%d", path, info.Size(), info.ModTime().UnixNano())
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:]), nil
}

// BaseName returns the input file name up to its first dot ("clips/a.b.mp4" -> "a").
func BaseName(path string) string {
	name := path
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.Index(name, "."); i >= 0 {
		name = name[:i]
	}
	return name
}
