package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"facecam-go/internal/logging"
)

const megabyte = 1024 * 1024

// FFmpegSource reads MJPEG frames from an ffmpeg child process.
type FFmpegSource struct {
	latest
	cmd    *exec.Cmd
	stderr *bytes.Buffer
	done   chan struct{}
	once   sync.Once
	err    error
}

// FFmpegArgs builds the ffmpeg command line for a capture device or file. An empty
// format reads input as a regular file.
func FFmpegArgs(format, input string) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if format != "" {
		args = append(args, "-f", format)
	}
	return append(args, "-i", input, "-f", "image2pipe", "-vcodec", "mjpeg", "-")
}

// NewFFmpegSource starts ffmpeg and publishes every decoded frame. The process is
// killed when ctx is done.
func NewFFmpegSource(ctx context.Context, logger *zap.SugaredLogger, format, input string) (*FFmpegSource, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", FFmpegArgs(format, input)...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	s := &FFmpegSource{cmd: cmd, stderr: stderr, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		s.pump(out, logger)
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			s.err = fmt.Errorf("ffmpeg exited: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
			logger.Warnw("camera capture stopped", "error", s.err)
		}
	}()
	return s, nil
}

func (s *FFmpegSource) pump(r io.Reader, logger *zap.SugaredLogger) {
	every := logging.NewEveryN(100)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(SplitJPEG)
	for scanner.Scan() {
		img, err := decodeJPEG(scanner.Bytes())
		if err != nil {
			s.failed.Add(1)
			if every.Allow() {
				logger.Debugw("dropping undecodable frame", "error", err)
			}
			continue
		}
		s.publish(img)
	}
	if err := scanner.Err(); err != nil {
		logger.Warnw("frame scanner failed", "error", err)
	}
}

// Close stops ffmpeg and waits for the reader to drain.
func (s *FFmpegSource) Close() error {
	s.once.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
	<-s.done
	return nil
}

// Err returns the exit error when ffmpeg stopped on its own.
func (s *FFmpegSource) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}
