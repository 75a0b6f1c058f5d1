package clip

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os/exec"
	"strings"
)

// Muxer writes annotated frames into one video container
type Muxer interface {
	// WriteFrame appends a frame at the muxer's frame rate
	WriteFrame(img image.Image) error

	// Close finalizes the container
	Close() error
}

// MuxerFactory opens a muxer for an output path
type MuxerFactory interface {
	Open(path string, fps float64, width, height int) (Muxer, error)
}

// FFmpegMuxerFactory produces H.264 MP4 files through an ffmpeg subprocess
type FFmpegMuxerFactory struct {
	Binary  string // Defaults to "ffmpeg"
	Quality int    // JPEG quality of frames piped to ffmpeg
}

// NewFFmpegMuxerFactory creates a muxer factory using the ffmpeg binary on PATH
func NewFFmpegMuxerFactory() *FFmpegMuxerFactory {
	return &FFmpegMuxerFactory{Binary: "ffmpeg", Quality: 90}
}

// Open starts ffmpeg reading MJPEG from stdin
func (f *FFmpegMuxerFactory) Open(path string, fps float64, width, height int) (Muxer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	if fps <= 0 {
		return nil, fmt.Errorf("invalid frame rate %.2f", fps)
	}

	bin := f.Binary
	if bin == "" {
		bin = "ffmpeg"
	}

	args := []string{
		"-y",
		"-loglevel", "error",
		"-f", "image2pipe",
		"-framerate", fmt.Sprintf("%.3f", fps),
		"-c:v", "mjpeg",
		"-i", "-",
		// libx264 needs even dimensions
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		path,
	}

	cmd := exec.Command(bin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	quality := f.Quality
	if quality <= 0 || quality > 100 {
		quality = 90
	}

	return &ffmpegMuxer{
		cmd:     cmd,
		stdin:   stdin,
		stderr:  &stderr,
		options: &jpeg.Options{Quality: quality},
	}, nil
}

type ffmpegMuxer struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  *bytes.Buffer
	options *jpeg.Options
	closed  bool
}

func (m *ffmpegMuxer) WriteFrame(img image.Image) error {
	if m.closed {
		return fmt.Errorf("muxer closed")
	}
	if err := jpeg.Encode(m.stdin, img, m.options); err != nil {
		return fmt.Errorf("failed to write frame to ffmpeg: %w%s", err, m.stderrTail())
	}
	return nil
}

func (m *ffmpegMuxer) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true

	closeErr := m.stdin.Close()
	if err := m.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg exited: %w%s", err, m.stderrTail())
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close ffmpeg stdin: %w", closeErr)
	}
	return nil
}

func (m *ffmpegMuxer) stderrTail() string {
	msg := strings.TrimSpace(m.stderr.String())
	if msg == "" {
		return ""
	}
	if len(msg) > 300 {
		msg = msg[len(msg)-300:]
	}
	return ": " + msg
}
