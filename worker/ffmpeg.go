package worker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fetchd/fetchd/models"
)

var (
	reOutTime  = regexp.MustCompile(`out_time_ms=(\d+)`)
	reFFSpeed  = regexp.MustCompile(`speed=\s*([0-9.]+)x`)
	videoExtns = map[string]bool{
		".mp4": true, ".webm": true, ".mkv": true, ".avi": true,
		".mov": true, ".flv": true, ".ts": true, ".m4v": true,
	}
)

// IsVideoFile reports whether a downloaded artifact is worth
// transcoding
func IsVideoFile(name string) bool {
	return videoExtns[strings.ToLower(filepath.Ext(name))]
}

// TranscodeAdapter runs the ffmpeg post-processing phase. InputPath and
// the probed DurationMS come from the supervisor after the download
// phase finishes.
type TranscodeAdapter struct {
	BinPath    string
	InputPath  string
	DurationMS int64
}

func (a *TranscodeAdapter) Build(job *models.Job, workDir string) (ProcessSpec, error) {
	opts := job.Options.Transcode
	if opts == nil {
		return ProcessSpec{}, fmt.Errorf("transcode options missing")
	}

	codec := "libx264"
	if opts.Codec == "h265" {
		codec = "libx265"
	}
	base := strings.TrimSuffix(filepath.Base(a.InputPath), filepath.Ext(a.InputPath))
	output := filepath.Join(workDir, base+"."+opts.To)
	if output == a.InputPath {
		output = filepath.Join(workDir, base+".transcoded."+opts.To)
	}

	args := []string{
		"-y",
		"-i", a.InputPath,
		"-c:v", codec,
		"-crf", strconv.Itoa(opts.CRF),
		"-progress", "pipe:1",
		"-nostats",
		output,
	}
	return ProcessSpec{Path: a.BinPath, Args: args, Dir: workDir}, nil
}

// ParseLine maps ffmpeg -progress key=value output to a percent
// against the probed input duration
func (a *TranscodeAdapter) ParseLine(line string, pc *ParseContext) (models.ProgressDelta, bool) {
	l := strings.TrimSpace(line)
	pc.Stage = models.StageTranscode

	if m := reOutTime.FindStringSubmatch(l); m != nil {
		outUS, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || pc.DurationMS <= 0 {
			return models.ProgressDelta{}, false
		}
		// out_time_ms is microseconds despite the name
		pct := 100 * float64(outUS/1000) / float64(pc.DurationMS)
		if pct > 100 {
			pct = 100
		}
		if pct > pc.LastProgress {
			pc.LastProgress = pct
		}
		return models.ProgressDelta{
			Progress:    pc.LastProgress,
			HasProgress: true,
			Stage:       models.StageTranscode,
			ETASec:      -1,
		}, true
	}
	if m := reFFSpeed.FindStringSubmatch(l); m != nil {
		return models.ProgressDelta{
			Stage:  models.StageTranscode,
			Speed:  m[1] + "x",
			ETASec: -1,
		}, true
	}
	return models.ProgressDelta{}, false
}

func (a *TranscodeAdapter) ClassifyError(exitCode int, stderrTail string) models.ErrorCode {
	tail := strings.ToLower(stderrTail)
	switch {
	case strings.Contains(tail, "no space left"):
		return models.ErrCodeDiskFull
	case strings.Contains(tail, "invalid data"), strings.Contains(tail, "unknown encoder"),
		strings.Contains(tail, "unsupported codec"):
		return models.ErrCodeFormatError
	default:
		return models.ErrCodeInternalError
	}
}

func (a *TranscodeAdapter) CollectArtifact(workDir string) (Artifact, error) {
	return largestFile(workDir)
}

// ProbeDurationMS asks ffprobe for the container duration in
// milliseconds. Returns 0 when the input has none.
func ProbeDurationMS(ctx context.Context, ffprobePath, file string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		file)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(out.String()), 64)
	if err != nil {
		return 0, nil
	}
	return int64(secs * 1000), nil
}
