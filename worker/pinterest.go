package worker

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/fetchd/fetchd/models"
)

var (
	rePinPct     = regexp.MustCompile(`(?:^|\s)([0-9]+(?:\.[0-9]+)?)%`)
	rePinCounter = regexp.MustCompile(`\[(\d+)/(\d+)\]`)
)

// PinterestAdapter drives a pinterest-dl-style board scraper. Progress
// comes from explicit percent markers or [n/m] counters.
type PinterestAdapter struct {
	BinPath string
}

func (a *PinterestAdapter) Build(job *models.Job, workDir string) (ProcessSpec, error) {
	args := []string{"scrape", job.URL, "-o", workDir}

	opts := job.Options.Pinterest
	if opts == nil {
		opts = &models.PinterestOptions{MaxImages: 100}
	}
	if opts.MaxImages > 0 {
		args = append(args, "-n", strconv.Itoa(opts.MaxImages))
	}
	if opts.IncludeVideos {
		args = append(args, "--video")
	}
	if opts.Resolution != "" {
		args = append(args, "-r", opts.Resolution)
	}
	return ProcessSpec{Path: a.BinPath, Args: args, Dir: workDir}, nil
}

func (a *PinterestAdapter) ParseLine(line string, pc *ParseContext) (models.ProgressDelta, bool) {
	l := strings.TrimSpace(line)
	if l == "" {
		return models.ProgressDelta{}, false
	}
	pc.Stage = models.StageDownload

	if m := rePinCounter.FindStringSubmatch(l); m != nil {
		done, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		if total > 0 {
			pct := 100 * float64(done) / float64(total)
			if pct > pc.LastProgress {
				pc.LastProgress = pct
			}
			return models.ProgressDelta{
				Progress:    pc.LastProgress,
				HasProgress: true,
				Stage:       models.StageDownload,
				ETASec:      -1,
				Message:     l,
			}, true
		}
	}

	if m := rePinPct.FindStringSubmatch(l); m != nil {
		pct, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			if pct > pc.LastProgress {
				pc.LastProgress = pct
			}
			return models.ProgressDelta{
				Progress:    pc.LastProgress,
				HasProgress: true,
				Stage:       models.StageDownload,
				ETASec:      -1,
			}, true
		}
	}
	return models.ProgressDelta{}, false
}

func (a *PinterestAdapter) ClassifyError(exitCode int, stderrTail string) models.ErrorCode {
	tail := strings.ToLower(stderrTail)
	switch {
	case strings.Contains(tail, "no images"), strings.Contains(tail, "no pins"),
		strings.Contains(tail, "empty board"):
		return models.ErrCodeNoImagesFound
	case strings.Contains(tail, "not found"), strings.Contains(tail, "404"):
		return models.ErrCodeInvalidURL
	case strings.Contains(tail, "login"), strings.Contains(tail, "private"):
		return models.ErrCodeAuthRequired
	case strings.Contains(tail, "connection"), strings.Contains(tail, "timeout"),
		strings.Contains(tail, "network"):
		return models.ErrCodeNetworkError
	default:
		return models.ErrCodeInternalError
	}
}

func (a *PinterestAdapter) CollectArtifact(workDir string) (Artifact, error) {
	return collectBundled(workDir, "pinterest-board.zip")
}
