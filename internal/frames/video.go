package frames

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os/exec"
	"strings"

	"github.com/andresmejia3/lipsync/internal/utils"
)

const megabyte = 1024 * 1024

// VideoSource decodes a video container through an ffmpeg MJPEG pipe.
// Each Open starts a new ffmpeg process from the first frame.
type VideoSource struct {
	Path string
}

// Open starts ffmpeg and returns a reader over its frames.
func (s VideoSource) Open(ctx context.Context) (Reader, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := utils.NewFFmpegCmd(ctx, s.Path)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	return &videoReader{cmd: cmd, cancel: cancel, scanner: scanner, stderr: &stderr}, nil
}

type videoReader struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	scanner *bufio.Scanner
	stderr  *bytes.Buffer
	done    bool
}

func (r *videoReader) Next() (*image.RGBA, error) {
	if r.done {
		return nil, io.EOF
	}
	if r.scanner.Scan() {
		img, err := jpeg.Decode(bytes.NewReader(r.scanner.Bytes()))
		if err != nil {
			return nil, fmt.Errorf("decode video frame: %w", err)
		}
		return ToRGBA(img), nil
	}

	r.done = true
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("frame scanner failed: %w", err)
	}
	if err := r.cmd.Wait(); err != nil {
		return nil, fmt.Errorf("FFmpeg execution failed: %w: %s", err, strings.TrimSpace(r.stderr.String()))
	}
	return nil, io.EOF
}

// Close stops ffmpeg if the stream was abandoned before its end.
func (r *videoReader) Close() error {
	r.cancel()
	if !r.done {
		r.done = true
		// The process was killed on purpose; its exit status carries no news.
		_ = r.cmd.Wait()
	}
	return nil
}
