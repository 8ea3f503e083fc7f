// Package trainer records (user message, bot response) pairs for later
// rule-quality review. Writes are queued and persisted by a background
// worker so a slow or failing sink never blocks a conversation.
package trainer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/parcel-chat/internal/domain"
)

// Sink persists trainer records.
type Sink interface {
	AppendTrainerRecord(ctx context.Context, conversationID, ruleKey string, rec domain.TrainerRecord) error
}

// Config controls the trainer log.
type Config struct {
	Enabled      bool
	QueueSize    int
	WriteTimeout time.Duration
	CloseTimeout time.Duration
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		QueueSize:    1000,
		WriteTimeout: 2 * time.Second,
		CloseTimeout: 5 * time.Second,
	}
}

type entry struct {
	conversationID string
	ruleKey        string
	rec            domain.TrainerRecord
}

// Logger is the asynchronous trainer log.
type Logger struct {
	sink   Sink
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	queue chan entry
	stop  chan struct{}
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// Stats is a point-in-time view of the logger counters.
type Stats struct {
	QueueLen      int   `json:"queue_len"`
	QueueCapacity int   `json:"queue_capacity"`
	Written       int64 `json:"written"`
	Dropped       int64 `json:"dropped"`
	Failed        int64 `json:"failed"`
}

// New starts a trainer log writing to sink. A disabled config returns a
// logger that discards every record.
func New(sink Sink, cfg Config, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = def.CloseTimeout
	}

	l := &Logger{
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		queue:  make(chan entry, cfg.QueueSize),
		stop:   make(chan struct{}),
	}
	if !cfg.Enabled || sink == nil {
		l.closed = true
		return l
	}

	l.wg.Add(1)
	go l.run()
	return l
}

// Append queues a record. It never blocks and never fails: a full queue or a
// closed logger drops the record with a warning.
func (l *Logger) Append(_ context.Context, conversationID, ruleKey string, rec domain.TrainerRecord) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}

	select {
	case l.queue <- entry{conversationID: conversationID, ruleKey: ruleKey, rec: rec}:
	default:
		l.dropped.Add(1)
		l.logger.Warn("Trainer log queue full, dropping record",
			"conversation_id", conversationID,
			"option_set", ruleKey,
			"queue_len", len(l.queue),
		)
	}
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()
	for {
		select {
		case e := <-l.queue:
			l.write(e)
		case <-l.stop:
			for {
				select {
				case e := <-l.queue:
					l.write(e)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(e entry) {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.WriteTimeout)
	defer cancel()

	start := time.Now()
	if err := l.sink.AppendTrainerRecord(ctx, e.conversationID, e.ruleKey, e.rec); err != nil {
		l.failed.Add(1)
		l.logger.Warn("Failed to write trainer record",
			"conversation_id", e.conversationID,
			"option_set", e.ruleKey,
			"error", err,
		)
		return
	}
	l.written.Add(1)
	if d := time.Since(start); d > 100*time.Millisecond {
		l.logger.Warn("Slow trainer log write",
			"conversation_id", e.conversationID,
			"duration_ms", d.Milliseconds(),
		)
	}
}

// Close stops accepting records and waits for the queue to drain, up to the
// configured close timeout.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	remaining := len(l.queue)
	close(l.stop)

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.logger.Info("Trainer log stopped", "drained", remaining, "written", l.written.Load())
	case <-time.After(l.cfg.CloseTimeout):
		l.logger.Warn("Trainer log shutdown timeout", "queue_remaining", len(l.queue))
	}
	return nil
}

// Stats returns the logger counters.
func (l *Logger) Stats() Stats {
	return Stats{
		QueueLen:      len(l.queue),
		QueueCapacity: cap(l.queue),
		Written:       l.written.Load(),
		Dropped:       l.dropped.Load(),
		Failed:        l.failed.Load(),
	}
}
