// Package scheduler runs the poll cycle over every subscription: admission
// under a global cap, conditional check, full fetch, parse and reconcile.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/chanwatch/internal/clock"
	"github.com/JakeFAU/chanwatch/internal/metrics"
	"github.com/JakeFAU/chanwatch/internal/watch"
)

// Poll outcomes, used as metric labels.
const (
	OutcomeUnchanged   = "unchanged"
	OutcomeUpdated     = "updated"
	OutcomeAbstain     = "abstain"
	OutcomeDead        = "dead"
	OutcomeError       = "error"
	OutcomeWorkerError = "worker_error"
	OutcomeCanceled    = "canceled"
)

// Fanout delivers posts and cascades dead subscriptions.
type Fanout interface {
	Deliver(ctx context.Context, sub watch.Subscription, posts []watch.Post) (int, error)
	Cascade(ctx context.Context, sub watch.Subscription) ([]string, error)
}

// Features answers whether a parser kind supports an optional feature.
type Features interface {
	Supports(kind, feature string) bool
}

// Hasher names archived pages by content.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Config controls the poll loop.
type Config struct {
	Interval      time.Duration
	MaxInFlight   int
	DeferDelay    time.Duration
	ArchivePrefix string
	Topic         string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Minute
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 50
	}
	if c.DeferDelay <= 0 {
		c.DeferDelay = time.Second
	}
	return c
}

// Deps are the collaborators every poll needs.
type Deps struct {
	Store    watch.Store
	Fetcher  watch.Fetcher
	Throttle watch.Throttle
	Worker   watch.ParseWorker
	Fanout   Fanout
	Features Features
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithReporter sets where fetch and store failures are reported.
func WithReporter(r watch.Reporter) Option {
	return func(s *Scheduler) { s.reporter = r }
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithArchive stores the body of every page that produced new posts.
func WithArchive(blobs watch.BlobStore, hasher Hasher) Option {
	return func(s *Scheduler) {
		s.archive = blobs
		s.hasher = hasher
	}
}

// WithPublisher publishes an UpdateEvent for every page that produced new
// posts. Config.Topic must be set.
func WithPublisher(p watch.Publisher, ids watch.IDGenerator) Option {
	return func(s *Scheduler) {
		s.publisher = p
		s.ids = ids
	}
}

// Scheduler polls subscriptions and reconciles parse results.
type Scheduler struct {
	deps      Deps
	cfg       Config
	logger    *zap.Logger
	reporter  watch.Reporter
	clock     clock.Clock
	archive   watch.BlobStore
	hasher    Hasher
	publisher watch.Publisher
	ids       watch.IDGenerator

	mu       sync.Mutex
	inFlight int
	wg       sync.WaitGroup
}

// New creates a Scheduler.
func New(deps Deps, cfg Config, opts ...Option) (*Scheduler, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("scheduler: store is required")
	case deps.Fetcher == nil:
		return nil, errors.New("scheduler: fetcher is required")
	case deps.Throttle == nil:
		return nil, errors.New("scheduler: throttle is required")
	case deps.Worker == nil:
		return nil, errors.New("scheduler: parse worker is required")
	case deps.Fanout == nil:
		return nil, errors.New("scheduler: fanout is required")
	case deps.Features == nil:
		return nil, errors.New("scheduler: parser features are required")
	}
	s := &Scheduler{
		deps:   deps,
		cfg:    cfg.withDefaults(),
		logger: zap.NewNop(),
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("scheduler")
	return s, nil
}

// Run polls every Config.Interval until ctx is done. The first cycle starts
// immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		start := s.clock.Now()
		if err := s.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("poll cycle failed", zap.Error(err))
		} else {
			s.logger.Debug("poll cycle dispatched", zap.Duration("took", s.clock.Now().Sub(start)))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.cfg.Interval):
		}
	}
}

// RunCycle dispatches every stored subscription once. When the in-flight cap
// is reached the rest of the batch is retried after Config.DeferDelay. It
// returns once the whole batch has been dispatched; pipelines may still be
// running.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	subs, err := s.deps.Store.ListSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	pending := subs
	for {
		n := s.admit(len(pending))
		for _, sub := range pending[:n] {
			go s.process(ctx, sub)
		}
		pending = pending[n:]
		if len(pending) == 0 {
			return nil
		}
		s.logger.Debug("in-flight cap reached, deferring", zap.Int("deferred", len(pending)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.cfg.DeferDelay):
		}
	}
}

// InFlight returns how many subscriptions are being processed.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Wait blocks until every dispatched pipeline has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// admit reserves up to want in-flight slots and returns how many it got.
func (s *Scheduler) admit(want int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	free := s.cfg.MaxInFlight - s.inFlight
	if free <= 0 || want <= 0 {
		return 0
	}
	n := min(want, free)
	s.inFlight += n
	s.wg.Add(n)
	metrics.SetInFlight(s.inFlight)
	return n
}

// finish releases the slot taken for sub. Every admitted subscription
// reaches it exactly once.
func (s *Scheduler) finish(sub watch.Subscription, outcome string) {
	s.mu.Lock()
	s.inFlight--
	metrics.SetInFlight(s.inFlight)
	s.mu.Unlock()
	metrics.ObservePoll(sub.Host, outcome)
	s.wg.Done()
}

func (s *Scheduler) process(ctx context.Context, sub watch.Subscription) {
	validator := ""
	if s.deps.Features.Supports(sub.ParserKind, watch.FeatureLastModified) {
		if err := s.deps.Throttle.Wait(ctx, sub.Host, watch.LevelCheck); err != nil {
			s.finish(sub, OutcomeCanceled)
			return
		}
		v, err := s.deps.Fetcher.CheckValidator(ctx, sub.URL)
		if err != nil {
			s.fail(ctx, sub, err)
			return
		}
		// No validator means the check cannot tell; the item waits for the
		// next cycle.
		if v == "" || v == sub.Validator {
			s.finish(sub, OutcomeUnchanged)
			return
		}
		validator = v
	}

	if err := s.deps.Throttle.Wait(ctx, sub.Host, watch.LevelFetch); err != nil {
		s.finish(sub, OutcomeCanceled)
		return
	}
	page, err := s.deps.Fetcher.Fetch(ctx, sub.URL)
	if err != nil {
		s.fail(ctx, sub, err)
		return
	}

	// The parse outlives the cycle context.
	detached := context.WithoutCancel(ctx)
	err = s.deps.Worker.Submit(watch.TaskFor(sub, page.Body), func(_ watch.Task, res watch.ParseResult, err error) {
		s.reconcile(detached, sub, page, validator, res, err)
	})
	if err != nil {
		s.logger.Error("submit parse task", zap.String("url", sub.URL), zap.Error(err))
		s.finish(sub, OutcomeWorkerError)
	}
}

// fail routes a check or fetch error to the dead or error branch.
func (s *Scheduler) fail(ctx context.Context, sub watch.Subscription, err error) {
	switch {
	case ctx.Err() != nil:
		s.finish(sub, OutcomeCanceled)
	case errors.Is(err, watch.ErrNotFound):
		s.dead(ctx, sub)
	default:
		s.hostError(ctx, sub, err)
	}
}

func (s *Scheduler) dead(ctx context.Context, sub watch.Subscription) {
	defer s.finish(sub, OutcomeDead)
	users, err := s.deps.Fanout.Cascade(ctx, sub)
	if err != nil {
		s.logger.Error("remove dead subscription", zap.String("url", sub.URL), zap.Error(err))
		s.report(ctx, fmt.Sprintf("REMOVING DEAD URL ERROR:\n\n%s\n\nERROR:\n%v", describe(sub), err))
		return
	}
	s.logger.Info("url dead", zap.String("url", sub.URL), zap.Int("subscribers", len(users)))
}

func (s *Scheduler) hostError(ctx context.Context, sub watch.Subscription, cause error) {
	defer s.finish(sub, OutcomeError)
	count, err := s.deps.Store.IncrementHostErrors(ctx, sub.Host)
	if err != nil {
		s.logger.Error("increment host errors", zap.String("host", sub.Host), zap.Error(err))
	}
	s.logger.Warn("fetch failed",
		zap.String("url", sub.URL),
		zap.Int64("host_errors", count),
		zap.Error(cause),
	)
	s.report(ctx, fmt.Sprintf("FETCHING HOST ERROR (already %d):\n\n%s\n\nERROR:\n%v", count, describe(sub), cause))
}

func (s *Scheduler) reconcile(
	ctx context.Context,
	sub watch.Subscription,
	page watch.Page,
	validator string,
	res watch.ParseResult,
	taskErr error,
) {
	outcome := OutcomeUnchanged
	defer func() { s.finish(sub, outcome) }()

	if taskErr != nil {
		outcome = OutcomeWorkerError
		s.logger.Warn("parse task failed", zap.String("url", sub.URL), zap.Error(taskErr))
		return
	}
	if res.Abstained() {
		outcome = OutcomeAbstain
		return
	}

	subscribers := 0
	if len(res.Posts) > 0 {
		outcome = OutcomeUpdated
		n, err := s.deps.Fanout.Deliver(ctx, sub, res.Posts)
		if err != nil {
			s.logger.Error("deliver posts", zap.String("url", sub.URL), zap.Error(err))
		}
		subscribers = n
	}

	watermark := *res.Watermark
	if err := s.deps.Store.UpdateProgress(ctx, sub.URL, watermark, validator); err != nil {
		if errors.Is(err, watch.ErrNotFound) {
			s.logger.Debug("subscription removed while polling", zap.String("url", sub.URL))
			return
		}
		outcome = OutcomeError
		s.logger.Error("persist progress", zap.String("url", sub.URL), zap.Error(err))
		s.report(ctx, fmt.Sprintf("SAVING PROGRESS ERROR:\n\n%s\n\nERROR:\n%v", describe(sub), err))
		return
	}
	if len(res.Posts) > 0 {
		s.announce(ctx, sub, page, watermark, len(res.Posts), subscribers)
	}
}

// announce archives the page and publishes an UpdateEvent when configured.
// Failures are logged only.
func (s *Scheduler) announce(ctx context.Context, sub watch.Subscription, page watch.Page, watermark int64, posts, subscribers int) {
	archiveURI := ""
	if s.archive != nil && s.hasher != nil {
		uri, err := s.archivePage(ctx, sub, page)
		if err != nil {
			s.logger.Warn("archive page", zap.String("url", sub.URL), zap.Error(err))
		}
		archiveURI = uri
	}
	if s.publisher == nil || s.cfg.Topic == "" {
		return
	}
	event := watch.UpdateEvent{
		URL:         sub.URL,
		Host:        sub.Host,
		Watermark:   watermark,
		Posts:       posts,
		Subscribers: subscribers,
		ArchiveURI:  archiveURI,
		At:          s.clock.Now().UTC(),
	}
	if s.ids != nil {
		id, err := s.ids.NewID()
		if err != nil {
			s.logger.Warn("generate event id", zap.Error(err))
		}
		event.ID = id
	}
	if _, err := s.publisher.Publish(ctx, s.cfg.Topic, event); err != nil {
		s.logger.Warn("publish update event", zap.String("url", sub.URL), zap.Error(err))
	}
}

func (s *Scheduler) archivePage(ctx context.Context, sub watch.Subscription, page watch.Page) (string, error) {
	sum, err := s.hasher.Hash(page.Body)
	if err != nil {
		return "", fmt.Errorf("hash body: %w", err)
	}
	contentType := page.ContentType
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	uri, err := s.archive.PutObject(ctx, archivePath(s.cfg.ArchivePrefix, sub.Host, sum), contentType, page.Body)
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return uri, nil
}

func archivePath(prefix, host, sum string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", host, sum)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, host, sum)
}

func (s *Scheduler) report(ctx context.Context, text string) {
	if s.reporter != nil {
		s.reporter.Report(ctx, text)
	}
}

func describe(sub watch.Subscription) string {
	return fmt.Sprintf("SUBSCRIPTION:\nurl=%s host=%s parser=%s identity=%s", sub.URL, sub.Host, sub.ParserKind, sub.NotifyIdentity)
}
