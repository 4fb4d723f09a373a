package worker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/andresmejia3/veil/internal/detect"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils" // Using the SafeCommand wrapper
)

// Response status bytes written by python/worker.py.
const (
	statusOK    = 0
	statusError = 1
)

// closeGrace is how long a healthy worker may take to exit once its stdin is closed.
const closeGrace = 2 * time.Second

// maxResponse guards against reading a garbage length header as a huge allocation.
const maxResponse = 64 * 1024 * 1024

// Options configures the Python detector process.
type Options struct {
	Python    string
	Script    string
	Threshold float64
	// ReadTimeout bounds the wait for one response. Zero waits forever.
	ReadTimeout time.Duration
}

type PythonWorker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration

	// wedged is set once the stream is out of sync; the process is then killed on Close.
	wedged bool
}

func NewPythonWorker(ctx context.Context, id int, opts Options) (*PythonWorker, error) {
	if opts.Python == "" {
		opts.Python = "python3"
	}
	if opts.Script == "" {
		opts.Script = "python/worker.py"
	}

	// 1. Initialize the SafeCommand we built
	py := utils.NewSafeCommand(ctx, opts.Python, "-u", opts.Script,
		"--threshold", strconv.FormatFloat(opts.Threshold, 'f', -1, 64))

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close() // Close write end if start fails
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: opts.ReadTimeout,
	}, nil
}

// Communicate sends one length-prefixed request and returns the raw response body.
// Any error leaves the stream in an unknown state and is reported as ErrDetectorBroken.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, w.broken("write request", err)
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, w.broken("write request", err)
	}

	if w.ReadTimeout > 0 {
		if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok {
			d.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		}
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, w.broken("read response", err) // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, w.broken("read response", fmt.Errorf("response length %d exceeds limit", respLen))
	}
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, w.broken("read response", err)
	}
	return respBody, nil
}

// ProcessFrame sends encoded image bytes and decodes the detected boxes.
// Response: [Status] then either a JSON box array (OK) or [MsgLen][Msg] (error).
func (w *PythonWorker) ProcessFrame(data []byte) ([]types.BoundingBox, error) {
	resp, err := w.Communicate(data)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, w.broken("decode response", io.ErrUnexpectedEOF)
	}

	switch resp[0] {
	case statusOK:
		var boxes []types.BoundingBox
		if err := json.Unmarshal(resp[1:], &boxes); err != nil {
			return nil, fmt.Errorf("malformed detection payload: %w", err)
		}
		return boxes, nil
	case statusError:
		if len(resp) < 5 {
			return nil, errors.New("python worker error: (truncated message)")
		}
		msgLen := binary.BigEndian.Uint32(resp[1:5])
		msg := resp[5:]
		if int(msgLen) < len(msg) {
			msg = msg[:msgLen]
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	default:
		return nil, w.broken("decode response", fmt.Errorf("unknown status byte %d", resp[0]))
	}
}

// broken tags a transport failure and attaches whatever the process printed to stderr.
func (w *PythonWorker) broken(op string, err error) error {
	w.wedged = true
	if logs := w.Cmd.Logs(); logs != "" {
		return fmt.Errorf("%w: worker %d %s: %v\nPROCESS LOGS:\n%s", detect.ErrDetectorBroken, w.ID, op, err, logs)
	}
	return fmt.Errorf("%w: worker %d %s: %v", detect.ErrDetectorBroken, w.ID, op, err)
}

// Close shuts the process down by closing its stdin; worker.py exits on EOF.
// A worker that broke the protocol, or does not exit within closeGrace, is killed.
func (w *PythonWorker) Close() error {
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	if w.Cmd == nil || w.Cmd.Process == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- w.Cmd.Wait() }()

	if !w.wedged {
		select {
		case err := <-done:
			return err
		case <-time.After(closeGrace):
		}
	}
	w.Cmd.Process.Kill()
	<-done
	return fmt.Errorf("worker %d killed", w.ID)
}
