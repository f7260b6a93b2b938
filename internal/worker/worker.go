package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/lipsync/internal/log"
	"github.com/andresmejia3/lipsync/internal/pipeline"
	"github.com/andresmejia3/lipsync/internal/utils" // Using the SafeCommand wrapper
)

// Reply status bytes written by the Python side.
const (
	statusOK        byte = 0
	statusError     byte = 1
	statusExhausted byte = 2
)

// Request opcodes.
const (
	opDetect  byte = 1
	opForward byte = 2
	opMel     byte = 3
)

// ErrTimeout is returned when the worker does not answer within its read timeout.
var ErrTimeout = errors.New("python worker timed out")

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	// Timeout bounds the wait for each reply. Zero waits forever.
	Timeout time.Duration
}

// readDeadliner is implemented by *os.File pipes.
type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// NewPythonWorker starts `python -u script args...` with a side-channel pipe on FD 3.
func NewPythonWorker(ctx context.Context, id int, python, script string, args ...string) (*PythonWorker, error) {
	// 1. Initialize the SafeCommand
	py := utils.NewSafeCommand(ctx, python, append([]string{"-u", script}, args...)...)

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
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	log.Debug("Python worker started", "worker", id, "script", script, "pid", py.Process.Pid)
	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one framed request and returns the framed reply body.
func (w *PythonWorker) Communicate(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	if d, ok := w.DataPipe.(readDeadliner); ok {
		if w.Timeout > 0 {
			d.SetReadDeadline(time.Now().Add(w.Timeout))
			defer d.SetReadDeadline(time.Time{})
		}
		// Unblock the read if the caller gives up.
		stop := context.AfterFunc(ctx, func() { d.SetReadDeadline(time.Now()) })
		defer stop()
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, w.readErr(ctx, err) // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, w.readErr(ctx, err)
	}
	return respBody, nil
}

func (w *PythonWorker) readErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("worker %d: %w after %s", w.ID, ErrTimeout, w.Timeout)
	}
	return fmt.Errorf("worker %d: read reply: %w", w.ID, err)
}

// call sends op with body and unwraps the status byte of the reply.
func (w *PythonWorker) call(ctx context.Context, op byte, body []byte) (*bytes.Reader, error) {
	req := make([]byte, 0, len(body)+1)
	req = append(req, op)
	req = append(req, body...)

	resp, err := w.Communicate(ctx, req)
	if err != nil {
		return nil, err
	}
	return parseStatus(resp)
}

// parseStatus checks the leading status byte and returns a reader over the rest.
func parseStatus(resp []byte) (*bytes.Reader, error) {
	if len(resp) == 0 {
		return nil, fmt.Errorf("empty response from worker")
	}
	r := bytes.NewReader(resp[1:])
	switch resp[0] {
	case statusOK:
		return r, nil
	case statusError:
		return nil, fmt.Errorf("python worker error: %s", readMessage(r))
	case statusExhausted:
		return nil, fmt.Errorf("python worker: %s: %w", readMessage(r), pipeline.ErrResourceExhausted)
	default:
		return nil, fmt.Errorf("unknown worker status %d", resp[0])
	}
}

func readMessage(r *bytes.Reader) string {
	var msgLen uint32
	if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
		return "unknown error"
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return "unknown error"
	}
	return string(msg)
}

func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}
