package worker

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/fetchd/fetchd/models"
)

var (
	reTwTotal = regexp.MustCompile(`(?i)\bfound\s+(\d+)\s+(?:media|videos?|images?|tweets?)`)
	reTwDone  = regexp.MustCompile(`(?i)\b(?:downloaded|saved|wrote)\b`)
)

// TwitterAdapter drives a twmd-style downloader. The tool prints one
// line per saved file, so progress is a file-count estimate capped
// below 100 until the terminal event.
type TwitterAdapter struct {
	BinPath string
}

func (a *TwitterAdapter) Build(job *models.Job, workDir string) (ProcessSpec, error) {
	args := []string{"-o", workDir}

	opts := job.Options.Twitter
	if opts == nil {
		opts = &models.TwitterOptions{MediaType: "all", MaxTweets: 50}
	}
	if opts.TweetID != "" {
		args = append(args, "-t", opts.TweetID)
	}
	if opts.Username != "" {
		args = append(args, "-u", opts.Username)
	}
	switch opts.MediaType {
	case "images":
		args = append(args, "-i")
	case "videos":
		args = append(args, "-v")
	default:
		args = append(args, "-a")
	}
	if opts.IncludeRetweets {
		args = append(args, "-r")
	}
	if opts.MaxTweets > 0 {
		args = append(args, "-n", strconv.Itoa(opts.MaxTweets))
	}
	if opts.TweetID == "" && opts.Username == "" {
		args = append(args, "-l", job.URL)
	}
	return ProcessSpec{Path: a.BinPath, Args: args, Dir: workDir}, nil
}

// ParseLine estimates progress from the announced media count and the
// per-file download lines. Counts from some tool versions shrink, so
// the estimate never goes backward.
func (a *TwitterAdapter) ParseLine(line string, pc *ParseContext) (models.ProgressDelta, bool) {
	l := strings.TrimSpace(line)
	if l == "" {
		return models.ProgressDelta{}, false
	}

	if m := reTwTotal.FindStringSubmatch(l); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > pc.TotalFiles {
			pc.TotalFiles = n
		}
		return models.ProgressDelta{Stage: models.StageDownload, ETASec: -1, Message: l}, true
	}

	if !reTwDone.MatchString(l) {
		return models.ProgressDelta{}, false
	}
	pc.DoneFiles++
	pc.Stage = models.StageDownload

	pct := pc.LastProgress
	if pc.TotalFiles > 0 {
		est := 100 * float64(pc.DoneFiles) / float64(pc.TotalFiles)
		if est > pct {
			pct = est
		}
	}
	pc.LastProgress = pct
	return models.ProgressDelta{
		Progress:    pct,
		HasProgress: pc.TotalFiles > 0,
		Stage:       models.StageDownload,
		ETASec:      -1,
		Message:     l,
	}, true
}

func (a *TwitterAdapter) ClassifyError(exitCode int, stderrTail string) models.ErrorCode {
	tail := strings.ToLower(stderrTail)
	switch {
	case strings.Contains(tail, "no tweet"), strings.Contains(tail, "tweet not found"),
		strings.Contains(tail, "tweet unavailable"):
		return models.ErrCodeTweetUnavailable
	case strings.Contains(tail, "user not found"), strings.Contains(tail, "no user"):
		return models.ErrCodeUserNotFound
	case strings.Contains(tail, "protected"), strings.Contains(tail, "login"),
		strings.Contains(tail, "authorization"):
		return models.ErrCodeAuthRequired
	case strings.Contains(tail, "connection"), strings.Contains(tail, "timeout"),
		strings.Contains(tail, "network"):
		return models.ErrCodeNetworkError
	default:
		return models.ErrCodeInternalError
	}
}

// CollectArtifact bundles multi-file results into one zip so the core
// always hands back a single artifact
func (a *TwitterAdapter) CollectArtifact(workDir string) (Artifact, error) {
	return collectBundled(workDir, "twitter-media.zip")
}
