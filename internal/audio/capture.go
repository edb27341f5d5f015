package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"parley/internal/ports"
)

// Capture codecs. The WebRTC transport consumes an ogg/opus stream, the
// WebSocket fallback raw little-endian PCM16.
const (
	CodecOpus  = "opus"
	CodecPCM16 = "pcm16"
)

// FFmpegCapture streams microphone audio using an ffmpeg subprocess.
type FFmpegCapture struct {
	command string
}

func NewFFmpegCapture(command string) *FFmpegCapture {
	if command == "" {
		command = "ffmpeg"
	}
	return &FFmpegCapture{command: command}
}

func (c *FFmpegCapture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
	}
	switch cfg.Codec {
	case CodecOpus, "":
		args = append(args, "-c:a", "libopus", "-b:a", "64k", "-page_duration", "20000", "-f", "ogg", "-")
	case CodecPCM16:
		args = append(args, "-f", "s16le", "-")
	default:
		return nil, fmt.Errorf("unsupported capture codec %q", cfg.Codec)
	}

	cmd := exec.CommandContext(ctx, c.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	session := &ffmpegSession{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		exited:  make(chan struct{}),
	}
	session.stamp()

	go func() {
		session.exitErr = cmd.Wait()
		close(session.exited)
	}()

	// Fail fast on devices ffmpeg rejects immediately.
	select {
	case <-session.exited:
		msg := trimmed(stderr.String())
		if session.exitErr != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", session.exitErr, msg)
		}
		return nil, fmt.Errorf("ffmpeg exited before capture started: %s", msg)
	case <-time.After(250 * time.Millisecond):
	}

	return session, nil
}

type ffmpegSession struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	exited  chan struct{}
	exitErr error

	lastData atomic.Int64

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegSession) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	if n > 0 {
		s.stamp()
	}
	return n, err
}

// Alive reports whether the capture process is still running.
func (s *ffmpegSession) Alive() bool {
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// LastData reports when audio bytes last flowed from the device.
func (s *ffmpegSession) LastData() time.Time {
	return time.Unix(0, s.lastData.Load())
}

func (s *ffmpegSession) stamp() {
	s.lastData.Store(time.Now().UnixNano())
}

func (s *ffmpegSession) Close() error {
	return s.Stop()
}

func (s *ffmpegSession) Stop() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case <-s.exited:
		case <-time.After(1200 * time.Millisecond):
			if s.process != nil {
				_ = s.process.Kill()
			}
			<-s.exited
		}
		s.stopErr = normalizeStopErr(s.exitErr)

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			if s.stopErr == nil {
				s.stopErr = closeErr
			}
		}

		if s.stopErr != nil && s.stderr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, trimmed(s.stderr.String()))
		}
	})

	return s.stopErr
}

// normalizeStopErr hides the expected non-zero exit from an interrupted
// ffmpeg process.
func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func trimmed(input string) string {
	return string(bytes.TrimSpace([]byte(input)))
}
