// Package learning collects uncertain answers for review by an administrator.
package learning

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/rs/zerolog"
)

// ErrStopped is returned by Submit once the pipeline has been stopped.
var ErrStopped = errors.New("learning pipeline stopped")

// Sample is a question/answer pair proposed for the knowledge base.
type Sample struct {
	Question  string
	Answer    string
	DomainRef string
}

// Notification is one administrator message.
type Notification struct {
	Recipient string
	Subject   string
	Body      string
	Batch     int
	Processed int
}

// Notifier delivers administrator notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Recorder stores processed samples for later review.
type Recorder interface {
	RecordSample(ctx context.Context, s Sample, duplicate bool) error
}

// Config holds pipeline settings.
type Config struct {
	// Append-only log of every processed sample
	AuditLogPath string

	// A notification round is sent every BatchSize processed samples
	BatchSize int

	// How long the worker blocks waiting for a sample before re-checking for stop
	PollTimeout time.Duration

	// Administrator addresses, one notification each per round
	Recipients []string

	// Subject line of notifications
	Subject string

	// Upper bound for a single notification delivery
	NotifyTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		AuditLogPath:  "samples.txt",
		BatchSize:     3,
		PollTimeout:   5 * time.Second,
		Subject:       "Deceptify: new active learning samples",
		NotifyTimeout: 30 * time.Second,
	}
}

// Stats is a point-in-time view of pipeline counters.
type Stats struct {
	Processed     int64 `json:"processed"`
	Unique        int64 `json:"unique"`
	Notifications int64 `json:"notifications"`
	Failures      int64 `json:"failures"`
	Queued        int   `json:"queued"`
	Running       bool  `json:"running"`
}

// Pipeline runs a single background worker that logs submitted samples and
// periodically notifies administrators.
type Pipeline struct {
	cfg      Config
	notifier Notifier
	recorder Recorder
	logger   zerolog.Logger
	body     *template.Template

	queue   *sampleQueue
	stopCh  chan struct{}
	stopped atomic.Bool
	running atomic.Bool
	once    sync.Once
	startMu sync.Mutex
	started bool
	wg      sync.WaitGroup

	// owned by the worker goroutine
	seen map[string]struct{}

	processed     atomic.Int64
	unique        atomic.Int64
	notifications atomic.Int64
	failures      atomic.Int64
}

// New creates a pipeline. notifier and recorder may be nil.
func New(cfg Config, notifier Notifier, recorder Recorder, logger zerolog.Logger) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 3
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 30 * time.Second
	}

	return &Pipeline{
		cfg:      cfg,
		notifier: notifier,
		recorder: recorder,
		logger:   logger.With().Str("component", "learning").Logger(),
		body:     template.Must(template.New("notification").Parse(notificationTemplate)),
		queue:    newSampleQueue(),
		stopCh:   make(chan struct{}),
		seen:     make(map[string]struct{}),
	}
}

// Start launches the worker. Calling it more than once has no effect.
func (p *Pipeline) Start(ctx context.Context) {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if p.started || p.stopped.Load() {
		return
	}
	p.started = true
	p.running.Store(true)

	p.logger.Info().
		Str("audit_log", p.cfg.AuditLogPath).
		Int("batch_size", p.cfg.BatchSize).
		Int("recipients", len(p.cfg.Recipients)).
		Msg("Starting active learning worker")

	p.wg.Add(1)
	go p.run(ctx)
}

// Stop signals the worker and waits for it to exit. A sample being processed
// is finished first; samples still queued are dropped.
func (p *Pipeline) Stop() {
	p.once.Do(func() {
		p.stopped.Store(true)
		close(p.stopCh)
	})
	p.wg.Wait()
	p.logger.Info().Int("dropped", p.queue.len()).Msg("Active learning worker stopped")
}

// Submit enqueues a sample without blocking.
func (p *Pipeline) Submit(s Sample) error {
	if p.stopped.Load() {
		return ErrStopped
	}
	p.queue.push(s)
	return nil
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Processed:     p.processed.Load(),
		Unique:        p.unique.Load(),
		Notifications: p.notifications.Load(),
		Failures:      p.failures.Load(),
		Queued:        p.queue.len(),
		Running:       p.running.Load(),
	}
}

func (p *Pipeline) run(ctx context.Context) {
	defer p.wg.Done()
	defer p.running.Store(false)

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if s, ok := p.queue.pop(); ok {
			p.process(ctx, s)
			continue
		}

		timer := time.NewTimer(p.cfg.PollTimeout)
		select {
		case <-p.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.queue.ready:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (p *Pipeline) process(ctx context.Context, s Sample) {
	key := s.Question + "\x00" + s.Answer
	_, duplicate := p.seen[key]
	if !duplicate {
		p.seen[key] = struct{}{}
		p.unique.Add(1)
	}

	if err := p.appendAudit(s); err != nil {
		p.failures.Add(1)
		p.logger.Error().Err(err).Str("audit_log", p.cfg.AuditLogPath).Msg("Failed to write sample")
	}

	n := p.processed.Add(1)

	if p.recorder != nil {
		if err := p.recorder.RecordSample(ctx, s, duplicate); err != nil {
			p.failures.Add(1)
			p.logger.Error().Err(err).Msg("Failed to record sample")
		}
	}

	p.logger.Debug().
		Int64("processed", n).
		Bool("duplicate", duplicate).
		Str("domain_ref", s.DomainRef).
		Msg("Sample processed")

	if n%int64(p.cfg.BatchSize) == 0 {
		p.notifyAll(ctx, int(n/int64(p.cfg.BatchSize)), int(n))
	}
}

func (p *Pipeline) appendAudit(s Sample) error {
	if dir := filepath.Dir(p.cfg.AuditLogPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create audit log directory: %w", err)
		}
	}

	f, err := os.OpenFile(p.cfg.AuditLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	if _, err := f.WriteString(FormatAuditLine(s)); err != nil {
		f.Close()
		return fmt.Errorf("failed to append audit log: %w", err)
	}
	return f.Close()
}

func (p *Pipeline) notifyAll(ctx context.Context, batch, processed int) {
	if p.notifier == nil || len(p.cfg.Recipients) == 0 {
		p.logger.Debug().Int("batch", batch).Msg("No notification recipients configured")
		return
	}

	contents, err := os.ReadFile(p.cfg.AuditLogPath)
	if err != nil {
		p.failures.Add(1)
		p.logger.Error().Err(err).Msg("Failed to read audit log for notification")
		return
	}

	for _, recipient := range p.cfg.Recipients {
		body, err := p.renderBody(recipient, batch, processed, string(contents))
		if err != nil {
			p.failures.Add(1)
			p.logger.Error().Err(err).Msg("Failed to render notification")
			return
		}

		notifyCtx, cancel := context.WithTimeout(ctx, p.cfg.NotifyTimeout)
		err = p.notifier.Notify(notifyCtx, Notification{
			Recipient: recipient,
			Subject:   p.cfg.Subject,
			Body:      body,
			Batch:     batch,
			Processed: processed,
		})
		cancel()

		if err != nil {
			p.failures.Add(1)
			p.logger.Error().Err(err).Str("recipient", recipient).Msg("Failed to notify administrator")
			continue
		}

		p.notifications.Add(1)
		p.logger.Info().
			Str("recipient", recipient).
			Int("batch", batch).
			Msg("Administrator notified")
	}
}

func (p *Pipeline) renderBody(recipient string, batch, processed int, log string) (string, error) {
	var buf bytes.Buffer
	err := p.body.Execute(&buf, struct {
		Recipient string
		Batch     int
		Processed int
		Log       string
	}{recipient, batch, processed, log})
	return buf.String(), err
}

// FormatAuditLine renders one audit log entry.
func FormatAuditLine(s Sample) string {
	return fmt.Sprintf("'%s';'%s';%s\n\n", s.Question, s.Answer, s.DomainRef)
}

const notificationTemplate = `Hello {{.Recipient}},

{{.Processed}} conversation samples were flagged for the knowledge base (round {{.Batch}}).
Review the entries below and promote the useful ones.

{{.Log}}
`
