package source

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shiftwatch/internal/pipeline"
)

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h)), nil))
	return buf.Bytes()
}

func TestParseRate(t *testing.T) {
	assert.InDelta(t, 29.97, parseRate("30000/1001"), 0.001)
	assert.Equal(t, 25.0, parseRate("25"))
	assert.Equal(t, 25.0, parseRate("25/1"))
	assert.Zero(t, parseRate("0/0"))
	assert.Zero(t, parseRate(""))
	assert.Zero(t, parseRate("n/a"))
}

func TestParseProbe(t *testing.T) {
	info, err := parseProbe([]byte(`{"streams":[{"avg_frame_rate":"0/0","r_frame_rate":"10/1","nb_frames":"100"}]}`))
	require.NoError(t, err)
	assert.Equal(t, 10.0, info.FPS)
	assert.Equal(t, 100, info.Frames)

	info, err = parseProbe([]byte(`{"streams":[{"avg_frame_rate":"0/0","r_frame_rate":"0/0"}]}`))
	require.NoError(t, err)
	assert.Equal(t, pipeline.DefaultFPS, info.FPS)
	assert.Zero(t, info.Frames)

	_, err = parseProbe([]byte(`{"streams":[]}`))
	assert.Error(t, err)
}

func TestExtractJPEGFrame(t *testing.T) {
	a := encodeJPEG(t, 8, 8)
	b := encodeJPEG(t, 16, 8)

	var stream []byte
	stream = append(stream, []byte("junk")...)
	stream = append(stream, a...)
	stream = append(stream, b...)

	// Feed in small chunks to exercise partial frames
	var (
		buf    []byte
		frames [][]byte
	)
	for i := 0; i < len(stream); i += 7 {
		buf = append(buf, stream[i:min(i+7, len(stream))]...)
		for {
			f := extractJPEGFrame(&buf)
			if f == nil {
				break
			}
			frames = append(frames, f)
		}
	}

	require.Len(t, frames, 2)
	assert.Equal(t, a, frames[0])
	assert.Equal(t, b, frames[1])
	assert.Empty(t, buf)
}

// fakeFFmpeg writes a shell script that replays the file named by
// $FAKE_STREAM and exits with $FAKE_EXIT
func fakeFFmpeg(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script decoder stub")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\ncat \"$FAKE_STREAM\"\nexit ${FAKE_EXIT:-0}\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestFFmpegSourceReadsFrames(t *testing.T) {
	bin := fakeFFmpeg(t)
	dir := t.TempDir()

	stream := filepath.Join(dir, "stream.mjpeg")
	var data []byte
	for i := 0; i < 3; i++ {
		data = append(data, encodeJPEG(t, 32, 24)...)
	}
	require.NoError(t, os.WriteFile(stream, data, 0o644))
	video := filepath.Join(dir, "in.mp4")
	require.NoError(t, os.WriteFile(video, []byte("not really a video"), 0o644))

	t.Setenv("FAKE_STREAM", stream)

	src, err := Open(context.Background(), video, Options{FFmpeg: bin, FFprobe: filepath.Join(dir, "missing-ffprobe")}, nil)
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, pipeline.DefaultFPS, src.FPS(), "probe failure falls back to the default rate")

	for i := 0; i < 3; i++ {
		img, err := src.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 32, img.Bounds().Dx())
	}
	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestFFmpegSourceFailsWithoutFrames(t *testing.T) {
	bin := fakeFFmpeg(t)
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	video := filepath.Join(dir, "broken.mp4")
	require.NoError(t, os.WriteFile(video, []byte{0}, 0o644))

	t.Setenv("FAKE_STREAM", empty)
	t.Setenv("FAKE_EXIT", "1")

	src, err := Open(context.Background(), video, Options{FFmpeg: bin, FFprobe: filepath.Join(dir, "missing-ffprobe")}, nil)
	require.NoError(t, err)
	defer src.Close()

	_, err = src.Next(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoFrames))
	assert.False(t, errors.Is(err, io.EOF))
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "nope.mp4"), Options{}, nil)
	assert.Error(t, err)
}
