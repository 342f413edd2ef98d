package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/fetchd/fetchd/models"
)

var (
	reYtPct   = regexp.MustCompile(`\[download\]\s+([0-9]+(?:\.[0-9]+)?)%`)
	reYtSpeed = regexp.MustCompile(`\bat\s+([^\s]+/s)`)
	reYtETA   = regexp.MustCompile(`\bETA\s+([0-9:]+)`)
	reYtOf    = regexp.MustCompile(`\bof\s+~?\s*([0-9.]+)([KMGT]?i?B)`)
)

// YtdlpAdapter drives yt-dlp for youtube and HLS jobs. HLS uses an
// explicit format selector; youtube takes yt-dlp's default.
type YtdlpAdapter struct {
	BinPath        string
	FormatSelector string
}

func (a *YtdlpAdapter) Build(job *models.Job, workDir string) (ProcessSpec, error) {
	args := []string{
		"--newline",
		"--no-playlist",
		"--restrict-filenames",
		"--no-part",
		"-o", filepath.Join(workDir, "%(title)s.%(ext)s"),
	}
	if a.FormatSelector != "" {
		args = append(args, "-f", a.FormatSelector)
	}
	if h := job.Options.Headers; h != nil {
		if h.UserAgent != "" {
			args = append(args, "--user-agent", h.UserAgent)
		}
		if h.Referer != "" {
			args = append(args, "--referer", h.Referer)
		}
		for name, value := range h.Extra {
			args = append(args, "--add-header", name+":"+value)
		}
	}
	args = append(args, job.URL)
	return ProcessSpec{Path: a.BinPath, Args: args, Dir: workDir}, nil
}

// ParseLine maps yt-dlp --newline output to progress deltas. Download
// percent lines carry speed, ETA and total size; merger lines flip the
// stage.
func (a *YtdlpAdapter) ParseLine(line string, pc *ParseContext) (models.ProgressDelta, bool) {
	l := strings.TrimSpace(line)
	if l == "" {
		return models.ProgressDelta{}, false
	}

	if strings.HasPrefix(l, "[Merger]") || strings.HasPrefix(l, "[ffmpeg] Merging") {
		pc.Stage = models.StageMerge
		return models.ProgressDelta{Stage: models.StageMerge, ETASec: -1, Message: l}, true
	}

	m := reYtPct.FindStringSubmatch(l)
	if m == nil {
		return models.ProgressDelta{}, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return models.ProgressDelta{}, false
	}
	pc.Stage = models.StageDownload

	delta := models.ProgressDelta{
		Progress:    pct,
		HasProgress: true,
		Stage:       models.StageDownload,
		ETASec:      -1,
	}
	if sm := reYtSpeed.FindStringSubmatch(l); sm != nil {
		delta.Speed = sm[1]
	}
	if em := reYtETA.FindStringSubmatch(l); em != nil {
		delta.ETASec = parseClock(em[1])
	}
	if om := reYtOf.FindStringSubmatch(l); om != nil {
		delta.TotalBytes = parseSize(om[1], om[2])
	}
	return delta, true
}

func (a *YtdlpAdapter) ClassifyError(exitCode int, stderrTail string) models.ErrorCode {
	tail := strings.ToLower(stderrTail)
	switch {
	case strings.Contains(tail, "video unavailable"),
		strings.Contains(tail, "this video has been removed"),
		strings.Contains(tail, "not available in your country"):
		return models.ErrCodeVideoUnavailable
	case strings.Contains(tail, "requested format is not available"),
		strings.Contains(tail, "no video formats found"):
		return models.ErrCodeFormatError
	case strings.Contains(tail, "sign in to confirm"),
		strings.Contains(tail, "login required"),
		strings.Contains(tail, "private video"):
		return models.ErrCodeAuthRequired
	case strings.Contains(tail, "unable to download"),
		strings.Contains(tail, "connection"),
		strings.Contains(tail, "timed out"),
		strings.Contains(tail, "temporary failure"):
		return models.ErrCodeNetworkError
	case strings.Contains(tail, "no space left"):
		return models.ErrCodeDiskFull
	case strings.Contains(tail, "is not a valid url"),
		strings.Contains(tail, "unsupported url"):
		return models.ErrCodeInvalidURL
	default:
		return models.ErrCodeInternalError
	}
}

func (a *YtdlpAdapter) CollectArtifact(workDir string) (Artifact, error) {
	return largestFile(workDir)
}

// parseClock converts "MM:SS" or "HH:MM:SS" to seconds, -1 on garbage
func parseClock(s string) int {
	parts := strings.Split(s, ":")
	total := 0
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return -1
		}
		total = total*60 + n
	}
	return total
}

// parseSize converts yt-dlp's "10.50" + "MiB" to bytes
func parseSize(num, unit string) int64 {
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	mult := float64(1)
	switch strings.ToUpper(strings.TrimSuffix(strings.TrimSuffix(unit, "B"), "i")) {
	case "K":
		mult = 1 << 10
	case "M":
		mult = 1 << 20
	case "G":
		mult = 1 << 30
	case "T":
		mult = 1 << 40
	}
	return int64(f * mult)
}

// largestFile picks the biggest regular file in workDir; downloaders
// leave fragment leftovers that must not win
func largestFile(workDir string) (Artifact, error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return Artifact{}, err
	}
	var best Artifact
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Size() > best.Size {
			best = Artifact{
				Filename: entry.Name(),
				Path:     filepath.Join(workDir, entry.Name()),
				Size:     info.Size(),
			}
		}
	}
	if best.Filename == "" {
		return Artifact{}, fmt.Errorf("no output file in %s", workDir)
	}
	return best, nil
}
