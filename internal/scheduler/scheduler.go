package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/imagechain/internal/imagefile"
	"github.com/rendis/imagechain/internal/metrics"
	"github.com/rendis/imagechain/pkg/schema"
)

// DefaultPollInterval is how often folders are checked for a due tick.
const DefaultPollInterval = time.Second

// BatchRunner runs one batch of images through a graph and returns the
// outputs that finished. A cancelled batch returns its partial outputs
// and a nil error.
type BatchRunner interface {
	RunBatch(ctx context.Context, name string, g *schema.Graph, images []schema.Image) ([]schema.Output, error)
}

// BatchFunc adapts a function to BatchRunner.
type BatchFunc func(ctx context.Context, name string, g *schema.Graph, images []schema.Image) ([]schema.Output, error)

// RunBatch calls f.
func (f BatchFunc) RunBatch(ctx context.Context, name string, g *schema.Graph, images []schema.Image) ([]schema.Output, error) {
	return f(ctx, name, g, images)
}

// Folder is a hot folder: on every cron tick the images in InDir run
// through Graph as one batch.
type Folder struct {
	Name   string // defaults to InDir
	Cron   string
	Graph  *schema.Graph
	InDir  string
	OutDir string
}

// BatchReport describes one hot-folder batch.
type BatchReport struct {
	Folder  string    `json:"folder"`
	Started time.Time `json:"started"`
	Images  int       `json:"images"`
	Skipped []string  `json:"skipped,omitempty"` // inputs that failed to load
	Written []string  `json:"written,omitempty"`
	Moved   []string  `json:"moved,omitempty"`
	Err     error     `json:"-"`
}

// Options tunes a Scheduler.
type Options struct {
	PollInterval time.Duration
	Now          func() time.Time
}

type folderJob struct {
	Folder
	schedule cron.Schedule
	next     time.Time
}

// Scheduler runs hot-folder batches on their cron schedules.
type Scheduler struct {
	runner BatchRunner
	parser cron.Parser
	logger *slog.Logger
	poll   time.Duration
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	wg     sync.WaitGroup

	foldersMu sync.Mutex
	folders   map[string]*folderJob

	inflightMu sync.Mutex
	inflight   map[string]struct{} // folders with a batch in progress
}

// NewScheduler creates a new Scheduler.
func NewScheduler(runner BatchRunner, logger *slog.Logger, opts Options) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		poll:     opts.PollInterval,
		now:      opts.Now,
		folders:  make(map[string]*folderJob),
		inflight: make(map[string]struct{}),
	}
}

// AddFolder registers a hot folder. Its first tick is the next cron
// activation after now.
func (s *Scheduler) AddFolder(f Folder) error {
	if f.Name == "" {
		f.Name = f.InDir
	}
	switch {
	case f.InDir == "":
		return schema.NewError(schema.ErrCodeValidation, "hot folder needs an input directory")
	case f.OutDir == "":
		return schema.NewError(schema.ErrCodeValidation, "hot folder needs an output directory")
	case f.Graph == nil:
		return schema.NewError(schema.ErrCodeValidation, "hot folder needs a graph")
	}
	schedule, err := s.parser.Parse(f.Cron)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q: %v", f.Cron, err).WithCause(err)
	}

	s.foldersMu.Lock()
	defer s.foldersMu.Unlock()
	if _, exists := s.folders[f.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "hot folder %q already registered", f.Name)
	}
	s.folders[f.Name] = &folderJob{Folder: f, schedule: schedule, next: schedule.Next(s.now())}
	s.logger.Info("hot folder registered", "folder", f.Name, "cron", f.Cron, "in", f.InDir, "out", f.OutDir)
	return nil
}

// NextRun returns when the named folder next runs.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.foldersMu.Lock()
	defer s.foldersMu.Unlock()
	job, ok := s.folders[name]
	if !ok {
		return time.Time{}, false
	}
	return job.next, true
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "poll", s.poll)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick launches a batch for every due folder. A folder whose previous
// batch is still running skips this activation.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.foldersMu.Lock()
	var due []*folderJob
	for _, job := range s.folders {
		if job.next.After(now) {
			continue
		}
		job.next = job.schedule.Next(now)
		due = append(due, job)
	}
	s.foldersMu.Unlock()

	for _, job := range due {
		if !s.tryAcquire(job.Name) {
			s.logger.Warn("previous batch still running, skipping tick", "folder", job.Name)
			metrics.FolderBatches.WithLabelValues(job.Name, "skipped").Inc()
			continue
		}
		s.wg.Add(1)
		go func(f Folder) {
			defer s.wg.Done()
			defer s.releaseFolder(f.Name)
			s.process(ctx, f)
		}(job.Folder)
	}
}

// RunOnce runs the named folder's batch now, unless one is in progress.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (*BatchReport, error) {
	s.foldersMu.Lock()
	job, ok := s.folders[name]
	s.foldersMu.Unlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "hot folder %q not found", name)
	}
	if !s.tryAcquire(name) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "hot folder %q already has a batch in progress", name)
	}
	defer s.releaseFolder(name)
	report := s.process(ctx, job.Folder)
	return report, report.Err
}

// process scans the folder, runs the batch and files the results. Each
// input whose output was written moves to the processed directory;
// everything else stays for the next tick.
func (s *Scheduler) process(ctx context.Context, f Folder) *BatchReport {
	report := &BatchReport{Folder: f.Name, Started: s.now().UTC()}
	logger := s.logger.With("folder", f.Name)

	paths, err := imagefile.Scan(f.InDir)
	if err != nil {
		report.Err = err
		logger.Error("scan hot folder", "error", err)
		metrics.FolderBatches.WithLabelValues(f.Name, "error").Inc()
		return report
	}

	images := make([]schema.Image, 0, len(paths))
	sources := make(map[string]string, len(paths))
	for _, p := range paths {
		img, err := imagefile.Load(p)
		if err != nil {
			logger.Warn("skipping unreadable image", "path", p, "error", err)
			report.Skipped = append(report.Skipped, p)
			continue
		}
		images = append(images, img)
		sources[img.ID] = p
	}
	report.Images = len(images)
	if len(images) == 0 {
		logger.Debug("hot folder empty")
		metrics.FolderBatches.WithLabelValues(f.Name, "empty").Inc()
		return report
	}

	logger.Info("running hot-folder batch", "images", len(images))
	outputs, runErr := s.runner.RunBatch(ctx, f.Name, f.Graph, images)

	for _, out := range outputs {
		path, err := imagefile.Write(f.OutDir, out)
		if err != nil {
			logger.Error("write output", "image", out.Name, "error", err)
			continue
		}
		report.Written = append(report.Written, path)

		src, ok := sources[out.ImageID]
		if !ok {
			continue
		}
		moved, err := imagefile.MoveProcessed(src)
		if err != nil {
			logger.Error("move processed input", "path", src, "error", err)
			continue
		}
		report.Moved = append(report.Moved, moved)
	}

	result := "success"
	if runErr != nil {
		result = "error"
		report.Err = runErr
		logger.Error("hot-folder batch failed", "written", len(report.Written), "error", runErr)
	} else {
		logger.Info("hot-folder batch finished", "written", len(report.Written))
	}
	metrics.FolderBatches.WithLabelValues(f.Name, result).Inc()
	return report
}

// tryAcquire returns true and marks the folder as in-flight if it is not
// already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) releaseFolder(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// Stop cancels the loop and in-progress batches and waits for them.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.wg.Wait()
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
