package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchd/fetchd/models"
)

func TestTranscodeParseOutTime(t *testing.T) {
	a := &TranscodeAdapter{BinPath: "ffmpeg", InputPath: "/tmp/j1/in.mp4", DurationMS: 120_000}
	pc := &ParseContext{DurationMS: 120_000}

	// out_time_ms is microseconds: 60s into a 120s input is 50%
	delta, ok := a.ParseLine("out_time_ms=60000000", pc)
	require.True(t, ok)
	require.True(t, delta.HasProgress)
	assert.InDelta(t, 50.0, delta.Progress, 0.001)
	assert.Equal(t, models.StageTranscode, delta.Stage)

	// Past-the-end timestamps clamp to 100
	delta, _ = a.ParseLine("out_time_ms=500000000", pc)
	assert.InDelta(t, 100.0, delta.Progress, 0.001)
}

func TestTranscodeParseWithoutDuration(t *testing.T) {
	a := &TranscodeAdapter{}
	pc := &ParseContext{DurationMS: 0}

	_, ok := a.ParseLine("out_time_ms=60000000", pc)
	assert.False(t, ok, "no percent without a probed duration")
}

func TestTranscodeParseSpeed(t *testing.T) {
	a := &TranscodeAdapter{}
	pc := &ParseContext{DurationMS: 1000}

	delta, ok := a.ParseLine("speed=2.5x", pc)
	require.True(t, ok)
	assert.False(t, delta.HasProgress)
	assert.Equal(t, "2.5x", delta.Speed)
}

func TestTranscodeBuildArgs(t *testing.T) {
	a := &TranscodeAdapter{BinPath: "/usr/bin/ffmpeg", InputPath: "/tmp/j1/video.mkv", DurationMS: 1000}
	job := &models.Job{
		ID: "j1",
		Options: models.SubmitOptions{
			Transcode: &models.TranscodeOptions{To: "mp4", Codec: "h265", CRF: 23},
		},
	}
	spec, err := a.Build(job, "/tmp/j1")
	require.NoError(t, err)
	assert.Contains(t, spec.Args, "libx265")
	assert.Contains(t, spec.Args, "23")
	assert.Contains(t, spec.Args, "/tmp/j1/video.mp4")
	assert.Contains(t, spec.Args, "pipe:1")
}

func TestTranscodeBuildAvoidsOverwritingInput(t *testing.T) {
	a := &TranscodeAdapter{BinPath: "ffmpeg", InputPath: "/tmp/j1/video.mp4", DurationMS: 1000}
	job := &models.Job{
		ID: "j1",
		Options: models.SubmitOptions{
			Transcode: &models.TranscodeOptions{To: "mp4", Codec: "h264", CRF: 20},
		},
	}
	spec, err := a.Build(job, "/tmp/j1")
	require.NoError(t, err)
	assert.Contains(t, spec.Args, "/tmp/j1/video.transcoded.mp4")
	assert.NotEqual(t, "/tmp/j1/video.mp4", spec.Args[len(spec.Args)-1])
}

func TestTranscodeBuildWithoutOptions(t *testing.T) {
	a := &TranscodeAdapter{}
	_, err := a.Build(&models.Job{ID: "j1"}, "/tmp/j1")
	assert.Error(t, err)
}

func TestIsVideoFile(t *testing.T) {
	assert.True(t, IsVideoFile("clip.mp4"))
	assert.True(t, IsVideoFile("Clip.MKV"))
	assert.True(t, IsVideoFile("clip.webm"))
	assert.False(t, IsVideoFile("photo.jpg"))
	assert.False(t, IsVideoFile("bundle.zip"))
}
