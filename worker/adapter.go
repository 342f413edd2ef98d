package worker

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/fetchd/fetchd/config"
	"github.com/fetchd/fetchd/models"
)

// ProcessSpec describes one external pipeline launch
type ProcessSpec struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Artifact is the single output a finished adapter hands back. Adapters
// that produce many files bundle them first.
type Artifact struct {
	Filename string
	Path     string
	Size     int64
}

// ParseContext accumulates per-run parser state across lines: counters
// for file-based progress estimates and the probed media duration for
// transcodes.
type ParseContext struct {
	Stage        models.Stage
	TotalFiles   int
	DoneFiles    int
	DurationMS   int64
	LastProgress float64
}

// Adapter plugs one external downloader or transcoder into the process
// supervisor. ParseLine and ClassifyError are pure; Build resolves tool
// paths and arguments.
type Adapter interface {
	Build(job *models.Job, workDir string) (ProcessSpec, error)
	ParseLine(line string, pc *ParseContext) (models.ProgressDelta, bool)
	ClassifyError(exitCode int, stderrTail string) models.ErrorCode
	CollectArtifact(workDir string) (Artifact, error)
}

// Snapshot is one poll of a control-plane downloader daemon
type Snapshot struct {
	State            string
	CompletedBytes   int64
	TotalBytes       int64
	SpeedBytesPerSec int64
	ErrorMessage     string
	Files            []string
}

// Poller drives a downloader daemon over RPC instead of a child
// process. The supervisor polls it on a fixed interval.
type Poller interface {
	Start(ctx context.Context, job *models.Job, workDir string) (string, error)
	Poll(ctx context.Context, handle string) (Snapshot, error)
	Cancel(ctx context.Context, handle string) error
	ClassifyError(message string) models.ErrorCode
}

// ResolveKind maps auto to a concrete kind by URL host and path
func ResolveKind(kind models.JobKind, rawURL string) models.JobKind {
	if kind != models.KindAuto {
		return kind
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return models.KindFile
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch {
	case host == "youtube.com" || host == "youtu.be" || host == "m.youtube.com" || host == "music.youtube.com":
		return models.KindYouTube
	case host == "twitter.com" || host == "x.com" || host == "mobile.twitter.com":
		return models.KindTwitter
	case host == "pinterest.com" || host == "pin.it" || strings.HasSuffix(host, ".pinterest.com"):
		return models.KindPinterest
	case strings.HasSuffix(strings.ToLower(u.Path), ".m3u8"):
		return models.KindHLS
	default:
		return models.KindFile
	}
}

// AdapterFor returns the exec adapter for a concrete kind. The file
// kind is handled by the aria2 Poller, not an exec adapter.
func AdapterFor(cfg *config.Config, kind models.JobKind) (Adapter, error) {
	switch kind {
	case models.KindYouTube:
		return &YtdlpAdapter{BinPath: cfg.YtdlpPath}, nil
	case models.KindHLS:
		return &YtdlpAdapter{BinPath: cfg.YtdlpPath, FormatSelector: "best[ext=mp4]/best"}, nil
	case models.KindTwitter:
		return &TwitterAdapter{BinPath: cfg.TwmdPath}, nil
	case models.KindPinterest:
		return &PinterestAdapter{BinPath: cfg.PinterestDLPath}, nil
	default:
		return nil, fmt.Errorf("no exec adapter for kind %q", kind)
	}
}

// formatSpeed renders bytes/sec the way the UI expects it
func formatSpeed(bytesPerSec float64) string {
	if bytesPerSec <= 0 {
		return ""
	}
	return fmt.Sprintf("%.1fMB/s", bytesPerSec/1024/1024)
}
