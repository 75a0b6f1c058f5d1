package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"shiftwatch/internal/pipeline"
)

// ErrNoFrames is returned when the decoder exits before producing a frame
var ErrNoFrames = errors.New("no frames decoded")

// Options configures the ffmpeg frame source
type Options struct {
	FFmpeg  string // Defaults to "ffmpeg"
	FFprobe string // Defaults to "ffprobe"
	Quality int    // MJPEG pipe quality (ffmpeg -q:v, 2 best .. 31 worst)
}

func (o Options) withDefaults() Options {
	if o.FFmpeg == "" {
		o.FFmpeg = "ffmpeg"
	}
	if o.FFprobe == "" {
		o.FFprobe = "ffprobe"
	}
	if o.Quality <= 0 {
		o.Quality = 3
	}
	return o
}

// StreamInfo is what ffprobe reports about the first video stream
type StreamInfo struct {
	FPS    float64
	Frames int // Zero when the container does not say
}

// Probe reads the nominal frame rate and frame count of a video.
// A missing or unparsable rate yields pipeline.DefaultFPS.
func Probe(ctx context.Context, ffprobe, path string) (StreamInfo, error) {
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	out, err := exec.CommandContext(ctx, ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=avg_frame_rate,r_frame_rate,nb_frames",
		"-of", "json",
		path,
	).Output()
	if err != nil {
		return StreamInfo{}, fmt.Errorf("failed to probe %s: %w", path, err)
	}
	return parseProbe(out)
}

func parseProbe(out []byte) (StreamInfo, error) {
	var probe struct {
		Streams []struct {
			AvgFrameRate string `json:"avg_frame_rate"`
			RFrameRate   string `json:"r_frame_rate"`
			NbFrames     string `json:"nb_frames"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(out, &probe); err != nil {
		return StreamInfo{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	if len(probe.Streams) == 0 {
		return StreamInfo{}, fmt.Errorf("no video stream")
	}

	st := probe.Streams[0]
	info := StreamInfo{FPS: parseRate(st.AvgFrameRate)}
	if info.FPS <= 0 {
		info.FPS = parseRate(st.RFrameRate)
	}
	if info.FPS <= 0 {
		info.FPS = pipeline.DefaultFPS
	}
	if n, err := strconv.Atoi(st.NbFrames); err == nil && n > 0 {
		info.Frames = n
	}
	return info, nil
}

// parseRate parses "30000/1001" or "25"
func parseRate(s string) float64 {
	num, den, found := strings.Cut(strings.TrimSpace(s), "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// FFmpegSource decodes a video file or stream through an ffmpeg MJPEG pipe
type FFmpegSource struct {
	path   string
	info   StreamInfo
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *tailBuffer
	logger *zap.Logger

	buf       []byte
	chunk     []byte
	delivered int
	eof       bool

	waitOnce sync.Once
	waitErr  error
}

// Open probes path and starts decoding it
func Open(ctx context.Context, path string, opts Options, logger *zap.Logger) (*FFmpegSource, error) {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	live := isLive(path)
	if !live {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("failed to open video: %w", err)
		}
	}

	info := StreamInfo{FPS: pipeline.DefaultFPS}
	if probed, err := Probe(ctx, opts.FFprobe, path); err != nil {
		logger.Warn("ffprobe failed, using default frame rate", zap.String("path", path), zap.Error(err))
	} else {
		info = probed
	}

	var args []string
	if strings.HasPrefix(path, "rtsp://") {
		args = append(args, "-rtsp_transport", "tcp")
	}
	args = append(args,
		"-nostdin",
		"-loglevel", "error",
		"-i", path,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", strconv.Itoa(opts.Quality),
		"-",
	)

	cmd := exec.CommandContext(ctx, opts.FFmpeg, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: 2048}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	logger.Named("source").Info("decoding started",
		zap.String("path", path),
		zap.Float64("fps", info.FPS),
		zap.Int("frames", info.Frames),
	)

	return &FFmpegSource{
		path:   path,
		info:   info,
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		logger: logger.Named("source"),
		buf:    make([]byte, 0, 1024*1024),
		chunk:  make([]byte, 64*1024),
	}, nil
}

func isLive(path string) bool {
	for _, p := range []string{"rtsp://", "http://", "https://"} {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// FPS returns the probed frame rate
func (s *FFmpegSource) FPS() float64 {
	return s.info.FPS
}

// FrameCount returns the probed frame count, zero when unknown
func (s *FFmpegSource) FrameCount() int {
	return s.info.Frames
}

// Next returns the next decoded frame, io.EOF at end of stream
func (s *FFmpegSource) Next(ctx context.Context) (image.Image, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if data := extractJPEGFrame(&s.buf); data != nil {
			img, err := jpeg.Decode(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("failed to decode frame %d: %w", s.delivered, err)
			}
			s.delivered++
			return img, nil
		}

		if s.eof {
			return nil, s.finish()
		}

		n, err := s.stdout.Read(s.chunk)
		s.buf = append(s.buf, s.chunk[:n]...)
		if errors.Is(err, io.EOF) {
			s.eof = true
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read decoder output: %w", err)
		}
	}
}

// finish reaps ffmpeg. An exit failure before the first frame is an input
// error; later failures end the stream early.
func (s *FFmpegSource) finish() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	if s.waitErr == nil {
		return io.EOF
	}
	if s.delivered == 0 {
		return fmt.Errorf("%w from %s: %v: %s", ErrNoFrames, s.path, s.waitErr, s.stderr.String())
	}
	s.logger.Warn("decoder exited with error, ending stream",
		zap.Int("frames", s.delivered),
		zap.Error(s.waitErr),
		zap.String("stderr", s.stderr.String()),
	)
	return io.EOF
}

// Close stops ffmpeg
func (s *FFmpegSource) Close() error {
	if s.cmd.ProcessState == nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	return nil
}

var _ pipeline.FrameSource = (*FFmpegSource)(nil)

// extractJPEGFrame removes and returns the first complete JPEG (SOI..EOI)
// from buffer, or nil when none is complete yet
func extractJPEGFrame(buffer *[]byte) []byte {
	b := *buffer
	start := bytes.Index(b, []byte{0xFF, 0xD8})
	if start == -1 {
		// Keep a trailing 0xFF in case it starts the next marker
		if n := len(b); n > 0 && b[n-1] == 0xFF {
			*buffer = append(b[:0], 0xFF)
		} else {
			*buffer = b[:0]
		}
		return nil
	}

	end := bytes.Index(b[start+2:], []byte{0xFF, 0xD9})
	if end == -1 {
		if start > 0 {
			*buffer = append(b[:0], b[start:]...)
		}
		return nil
	}
	end += start + 4

	frame := make([]byte, end-start)
	copy(frame, b[start:end])
	*buffer = append(b[:0], b[end:]...)
	return frame
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
