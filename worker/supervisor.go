package worker

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fetchd/fetchd/config"
	"github.com/fetchd/fetchd/models"
	"github.com/fetchd/fetchd/progress"
)

// Tuning shared by every supervised run
const (
	DefaultGraceTimeout = 5 * time.Second
	DefaultPollInterval = 2 * time.Second

	// Mid-run progress is capped so the jump to 100 stays reserved for
	// the terminal event
	midRunProgressCap = 95

	stderrTailLines = 20
)

var errStalled = errors.New("watchdog stall")

// Result is the terminal outcome of one supervised run. Canceled means
// the parent context stopped the run (Cancel or Pause); the caller maps
// it to a status.
type Result struct {
	Artifact *Artifact
	Err      *models.JobError
	Canceled bool
}

// Supervisor launches one external pipeline per job, streams its output
// into the progress pipeline, and enforces the watchdog and deadline.
type Supervisor struct {
	cfg      *config.Config
	pipeline *progress.Pipeline
	logger   *slog.Logger

	grace        time.Duration
	pollInterval time.Duration
}

// NewSupervisor wires a supervisor to the shared progress pipeline
func NewSupervisor(cfg *config.Config, pipeline *progress.Pipeline, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:          cfg,
		pipeline:     pipeline,
		logger:       logger,
		grace:        DefaultGraceTimeout,
		pollInterval: DefaultPollInterval,
	}
}

// Run drives the job to a terminal outcome. ctx cancellation is the
// control path for Cancel and Pause.
func (s *Supervisor) Run(ctx context.Context, job *models.Job) Result {
	kind := ResolveKind(job.Kind, job.URL)

	tempDir := filepath.Join(s.cfg.TempDir, job.ID)
	outDir := filepath.Join(s.cfg.DataDir, job.ID)
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return Result{Err: models.NewJobError(models.ErrCodeDiskFull, "create temp directory: %v", err)}
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return Result{Err: models.NewJobError(models.ErrCodeDiskFull, "create output directory: %v", err)}
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	var res Result
	if kind == models.KindFile {
		res = s.runPolling(runCtx, ctx, job, tempDir)
	} else {
		res = s.runPipeline(runCtx, ctx, job, kind, tempDir)
	}
	if res.Err != nil || res.Canceled {
		os.RemoveAll(tempDir)
		return res
	}

	s.pipeline.OnProgress(job.ID, models.ProgressDelta{
		Progress:    midRunProgressCap,
		HasProgress: true,
		Stage:       models.StageFinalize,
		ETASec:      -1,
	})

	dest := filepath.Join(outDir, res.Artifact.Filename)
	if err := moveArtifact(res.Artifact.Path, dest); err != nil {
		os.RemoveAll(tempDir)
		code := models.ErrCodeInternalError
		if strings.Contains(err.Error(), "no space") {
			code = models.ErrCodeDiskFull
		}
		return Result{Err: models.NewJobError(code, "finalize artifact: %v", err)}
	}
	os.RemoveAll(tempDir)
	res.Artifact.Path = dest
	return res
}

// runPipeline executes the download phase and, when requested, the
// transcode phase through child processes
func (s *Supervisor) runPipeline(runCtx, parentCtx context.Context, job *models.Job, kind models.JobKind, tempDir string) Result {
	adapter, err := AdapterFor(s.cfg, kind)
	if err != nil {
		return Result{Err: models.NewJobError(models.ErrCodeInternalError, "%v", err)}
	}

	pc := &ParseContext{Stage: models.StageDownload}
	res := s.runExec(runCtx, parentCtx, job, adapter, tempDir, pc)
	if res.Err != nil || res.Canceled {
		return res
	}

	if job.Options.Transcode != nil && IsVideoFile(res.Artifact.Filename) {
		res = s.runTranscode(runCtx, parentCtx, job, tempDir, res.Artifact)
	}
	return res
}

func (s *Supervisor) runTranscode(runCtx, parentCtx context.Context, job *models.Job, tempDir string, input *Artifact) Result {
	durationMS, err := ProbeDurationMS(runCtx, s.cfg.FfprobePath, input.Path)
	if err != nil {
		s.logger.Warn("ffprobe failed, transcode progress will be coarse", "job_id", job.ID, "error", err)
	}

	ta := &TranscodeAdapter{
		BinPath:    s.cfg.FfmpegPath,
		InputPath:  input.Path,
		DurationMS: durationMS,
	}
	pc := &ParseContext{Stage: models.StageTranscode, DurationMS: durationMS}
	res := s.runExec(runCtx, parentCtx, job, ta, tempDir, pc)
	if res.Err != nil || res.Canceled {
		return res
	}
	// The source file must not shadow the transcoded artifact
	os.Remove(input.Path)
	artifact, aerr := ta.CollectArtifact(tempDir)
	if aerr != nil {
		return Result{Err: models.NewJobError(models.ErrCodeInternalError, "collect transcoded artifact: %v", aerr)}
	}
	res.Artifact = &artifact
	return res
}

// runExec launches one child and consumes its output until exit
func (s *Supervisor) runExec(runCtx, parentCtx context.Context, job *models.Job, adapter Adapter, tempDir string, pc *ParseContext) Result {
	spec, err := adapter.Build(job, tempDir)
	if err != nil {
		return Result{Err: models.NewJobError(models.ErrCodeInvalidInput, "build process spec: %v", err)}
	}

	execCtx, cancelExec := context.WithCancelCause(runCtx)
	defer cancelExec(nil)

	cmd := exec.CommandContext(execCtx, spec.Path, spec.Args...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	// The child leads its own process group so that SIGTERM, and the
	// SIGKILL that follows after the grace period, also reach any
	// processes it spawned (which would otherwise keep the pipes open)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		pgid := cmd.Process.Pid
		time.AfterFunc(s.grace, func() { _ = syscall.Kill(-pgid, syscall.SIGKILL) })
		return syscall.Kill(-pgid, syscall.SIGTERM)
	}
	cmd.WaitDelay = s.grace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{Err: models.NewJobError(models.ErrCodeInternalError, "stdout pipe: %v", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{Err: models.NewJobError(models.ErrCodeInternalError, "stderr pipe: %v", err)}
	}

	if err := cmd.Start(); err != nil {
		return Result{Err: models.NewJobError(models.ErrCodeInternalError, "launch %s: %v", spec.Path, err)}
	}
	s.logger.Info("child launched", "job_id", job.ID, "bin", spec.Path)

	var mu sync.Mutex
	lastChange := time.Now()
	lastPct := pc.LastProgress
	var tail []string

	consume := func(lines *bufio.Scanner, isStderr bool) error {
		for lines.Scan() {
			line := lines.Text()
			mu.Lock()
			delta, ok := adapter.ParseLine(line, pc)
			if ok && delta.HasProgress {
				if delta.Stage != models.StageFinalize && delta.Progress > midRunProgressCap {
					delta.Progress = midRunProgressCap
				}
				if delta.Progress != lastPct {
					lastPct = delta.Progress
					lastChange = time.Now()
				}
			}
			mu.Unlock()

			if ok {
				s.pipeline.OnProgress(job.ID, delta)
			} else {
				if isStderr {
					mu.Lock()
					tail = append(tail, line)
					if len(tail) > stderrTailLines {
						tail = tail[1:]
					}
					mu.Unlock()
				}
				s.pipeline.OnLog(job.ID, "debug", line)
			}
		}
		return lines.Err()
	}

	var g errgroup.Group
	g.Go(func() error { return consume(bufio.NewScanner(stdout), false) })
	g.Go(func() error { return consume(bufio.NewScanner(stderr), true) })

	watchStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-watchStop:
				return
			case <-ticker.C:
				mu.Lock()
				stage := pc.Stage
				stalled := (stage == models.StageDownload || stage == models.StageTranscode) &&
					time.Since(lastChange) > s.cfg.WatchdogStall
				mu.Unlock()
				if stalled {
					s.logger.Warn("watchdog killing stalled child", "job_id", job.ID, "stage", stage)
					cancelExec(errStalled)
					return
				}
			}
		}
	}()

	readErr := g.Wait()
	waitErr := cmd.Wait()
	close(watchStop)
	if readErr != nil {
		s.logger.Debug("output reader ended early", "job_id", job.ID, "error", readErr)
	}

	mu.Lock()
	tailJoined := strings.Join(tail, "\n")
	mu.Unlock()

	switch {
	case parentCtx.Err() != nil:
		return Result{Canceled: true}
	case errors.Is(context.Cause(execCtx), errStalled):
		return Result{Err: models.NewJobError(models.ErrCodeWatchdogStall, "no progress for %s", s.cfg.WatchdogStall)}
	case runCtx.Err() != nil:
		return Result{Err: models.NewJobError(models.ErrCodeTimeout, "job deadline of %s exceeded", s.cfg.JobTimeout)}
	case waitErr != nil:
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		code := adapter.ClassifyError(exitCode, tailJoined)
		msg := lastLine(tailJoined)
		if msg == "" {
			msg = waitErr.Error()
		}
		return Result{Err: models.NewJobError(code, "%s", msg)}
	}

	artifact, err := adapter.CollectArtifact(tempDir)
	if err != nil {
		return Result{Err: models.NewJobError(models.ErrCodeInternalError, "collect artifact: %v", err)}
	}
	return Result{Artifact: &artifact}
}

// runPolling drives a control-plane download through the aria2 daemon
func (s *Supervisor) runPolling(runCtx, parentCtx context.Context, job *models.Job, tempDir string) Result {
	poller := &FileAdapter{Client: NewAria2Client(s.cfg.Aria2RPCURL, s.cfg.Aria2Secret)}

	handle, err := poller.Start(runCtx, job, tempDir)
	if err != nil {
		return Result{Err: models.NewJobError(models.ErrCodeNetworkError, "submit to downloader daemon: %v", err)}
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	lastChange := time.Now()
	var lastCompleted int64 = -1
	pollFailures := 0

	for {
		select {
		case <-runCtx.Done():
			cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := poller.Cancel(cancelCtx, handle); err != nil {
				s.logger.Warn("failed to cancel daemon download", "job_id", job.ID, "error", err)
			}
			cancel()
			if parentCtx.Err() != nil {
				return Result{Canceled: true}
			}
			return Result{Err: models.NewJobError(models.ErrCodeTimeout, "job deadline of %s exceeded", s.cfg.JobTimeout)}

		case <-ticker.C:
			snap, err := poller.Poll(runCtx, handle)
			if err != nil {
				pollFailures++
				if pollFailures >= 3 {
					return Result{Err: models.NewJobError(models.ErrCodeNetworkError, "downloader daemon unreachable: %v", err)}
				}
				continue
			}
			pollFailures = 0

			if snap.CompletedBytes != lastCompleted {
				lastCompleted = snap.CompletedBytes
				lastChange = time.Now()
			} else if time.Since(lastChange) > s.cfg.WatchdogStall {
				cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				poller.Cancel(cancelCtx, handle)
				cancel()
				return Result{Err: models.NewJobError(models.ErrCodeWatchdogStall, "no progress for %s", s.cfg.WatchdogStall)}
			}

			delta := models.ProgressDelta{Stage: models.StageDownload, ETASec: -1}
			if snap.TotalBytes > 0 {
				pct := 100 * float64(snap.CompletedBytes) / float64(snap.TotalBytes)
				if pct > midRunProgressCap {
					pct = midRunProgressCap
				}
				delta.Progress = pct
				delta.HasProgress = true
				delta.TotalBytes = snap.TotalBytes
			}
			if snap.SpeedBytesPerSec > 0 {
				delta.Speed = formatSpeed(float64(snap.SpeedBytesPerSec))
				if snap.TotalBytes > 0 {
					delta.ETASec = int((snap.TotalBytes - snap.CompletedBytes) / snap.SpeedBytesPerSec)
				}
			}
			s.pipeline.OnProgress(job.ID, delta)

			switch snap.State {
			case "complete":
				artifact, err := largestFile(tempDir)
				if err != nil {
					return Result{Err: models.NewJobError(models.ErrCodeInternalError, "collect artifact: %v", err)}
				}
				return Result{Artifact: &artifact}
			case "error", "removed":
				code := poller.ClassifyError(snap.ErrorMessage)
				msg := snap.ErrorMessage
				if msg == "" {
					msg = "download " + snap.State
				}
				return Result{Err: models.NewJobError(code, "%s", msg)}
			}
		}
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
