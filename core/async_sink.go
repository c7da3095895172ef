package core

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	json "github.com/goccy/go-json"
)

// ErrQueueFull is the write error of an AsyncSink whose queue stayed full for EnqueueTimeout
var ErrQueueFull = errors.New("async queue is full")

// AsyncConfig defines the queue placed in front of a slow sink
type AsyncConfig struct {
	Enabled        bool          `yaml:"enabled"`         // Enable/disable the queue
	QueueSize      int           `yaml:"queue_size"`      // Max records waiting for delivery
	MaxRetries     int           `yaml:"max_retries"`     // Retries per record after the first attempt
	RetryInterval  time.Duration `yaml:"retry_interval"`  // Initial retry interval
	MaxRetryDelay  time.Duration `yaml:"max_retry_delay"` // Max backoff delay
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"` // How long Write waits on a full queue
	DLQPath        string        `yaml:"dlq_path"`        // JSON-lines file for undeliverable records; empty disables it
}

// DefaultAsyncConfig returns default async configuration
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{
		Enabled:        true,
		QueueSize:      1000,
		MaxRetries:     3,
		RetryInterval:  500 * time.Millisecond,
		MaxRetryDelay:  10 * time.Second,
		EnqueueTimeout: 100 * time.Millisecond,
	}
}

func (c AsyncConfig) withDefaults() AsyncConfig {
	d := DefaultAsyncConfig()
	if c.QueueSize == 0 {
		c.QueueSize = d.QueueSize
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	if c.EnqueueTimeout == 0 {
		c.EnqueueTimeout = d.EnqueueTimeout
	}
	return c
}

// Validate validates the AsyncConfig after defaults are applied
func (c AsyncConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	c = c.withDefaults()
	return validation.ValidateStruct(&c,
		validation.Field(&c.QueueSize, validation.Min(1).Error("must be no less than 1"), validation.Max(100000).Error("must be no greater than 100000")),
		validation.Field(&c.MaxRetries, validation.Min(0).Error("must be no less than 0"), validation.Max(100).Error("must be no greater than 100")),
		validation.Field(&c.RetryInterval, validation.Min(time.Millisecond).Error("must be no less than 1ms"), validation.Max(time.Hour).Error("must be no greater than 1h0m0s")),
		validation.Field(&c.MaxRetryDelay, validation.Min(time.Millisecond).Error("must be no less than 1ms"), validation.Max(24*time.Hour).Error("must be no greater than 24h0m0s")),
		validation.Field(&c.EnqueueTimeout, validation.Min(time.Duration(0)), validation.Max(time.Minute).Error("must be no greater than 1m0s")),
		validation.Field(&c.DLQPath, validation.Length(0, 500).Error("the length must be no more than 500")),
	)
}

// AsyncStats tracks queue statistics
type AsyncStats struct {
	Enqueued  uint64 `json:"enqueued"`
	Delivered uint64 `json:"delivered"`
	Retried   uint64 `json:"retried"`
	Failed    uint64 `json:"failed"`
	Lost      uint64 `json:"lost"`
	DLQ       uint64 `json:"dlq"`
	Queued    int    `json:"queued"`
}

// DeadLetter is one line of the dead-letter file
type DeadLetter struct {
	Sink       string    `json:"sink"`
	Time       time.Time `json:"time"`
	Level      string    `json:"level"`
	Line       string    `json:"line"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Error      string    `json:"error"`
}

type asyncItem struct {
	rec        Record
	line       string
	enqueuedAt time.Time
	flushed    chan error // set for flush markers only
}

// AsyncSink decouples a slow sink from Log callers. A single worker delivers records in
// the order they were queued, retrying each one before moving on to the next.
type AsyncSink struct {
	name   string
	inner  Sink
	config AsyncConfig

	queue  chan *asyncItem
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool

	dlqFile *os.File
	dlqMu   sync.Mutex

	enqueued  atomic.Uint64
	delivered atomic.Uint64
	retried   atomic.Uint64
	failed    atomic.Uint64
	dlq       atomic.Uint64

	// records accepted by Write and then given up on by the worker
	lost        atomic.Uint64
	lastLost    atomic.Pointer[string]
	failing     atomic.Bool
	lostAtFlush uint64 // worker only

	sleep func(d time.Duration, stop <-chan struct{}) bool
}

// NewAsyncSink starts the delivery worker for inner
func NewAsyncSink(name string, inner Sink, config AsyncConfig) (*AsyncSink, error) {
	if err := config.Validate(); err != nil {
		return nil, WrapConfigError("async", err)
	}
	config = config.withDefaults()

	a := &AsyncSink{
		name:   name,
		inner:  inner,
		config: config,
		queue:  make(chan *asyncItem, config.QueueSize),
		stopCh: make(chan struct{}),
		sleep:  sleepOrStop,
	}

	if config.DLQPath != "" {
		if err := os.MkdirAll(filepath.Dir(config.DLQPath), 0750); err != nil {
			return nil, WrapConfigError("async.dlq_path", err)
		}
		file, err := os.OpenFile(config.DLQPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) // #nosec G304 - path from configuration
		if err != nil {
			return nil, WrapConfigError("async.dlq_path", err)
		}
		a.dlqFile = file
	}

	a.wg.Add(1)
	go a.deliveryWorker()

	log.Printf("[ASYNC:%s] Queue initialized: size=%d, retries=%d, dlq=%v",
		name, config.QueueSize, config.MaxRetries, a.dlqFile != nil)

	return a, nil
}

// Write queues a copy of the record. It fails with ErrQueueFull when the queue stays full.
func (a *AsyncSink) Write(r *Record, line string) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return ErrClosed
	}

	item := &asyncItem{rec: *r, line: line, enqueuedAt: time.Now()}
	item.rec.Fields = append([]Field(nil), r.Fields...)

	select {
	case a.queue <- item:
		a.enqueued.Add(1)
		return nil
	default:
	}

	timer := time.NewTimer(a.config.EnqueueTimeout)
	defer timer.Stop()
	select {
	case a.queue <- item:
		a.enqueued.Add(1)
		return nil
	case <-timer.C:
		a.sendToDLQ(item, 0, ErrQueueFull)
		return ErrQueueFull
	}
}

// Flush waits until everything queued before it is delivered, then flushes the inner sink.
// It fails when records accepted since the previous Flush could not be delivered.
func (a *AsyncSink) Flush() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	done := make(chan error, 1)
	select {
	case a.queue <- &asyncItem{flushed: done}:
	case <-a.stopCh:
		return nil
	}
	select {
	case err := <-done:
		return err
	case <-a.stopCh:
		return nil
	}
}

// deliveryWorker processes records from the queue
func (a *AsyncSink) deliveryWorker() {
	defer a.wg.Done()

	for item := range a.queue {
		if item.flushed != nil {
			item.flushed <- errors.Join(a.lostSinceFlush(), a.inner.Flush())
			continue
		}
		a.deliver(item)
	}
}

// deliver writes one record, retrying with exponential backoff before giving up
func (a *AsyncSink) deliver(item *asyncItem) {
	var err error
	attempts := 0
	for {
		attempts++
		if err = a.inner.Write(&item.rec, item.line); err == nil {
			a.delivered.Add(1)
			a.failing.Store(false)
			return
		}
		if attempts > a.config.MaxRetries {
			break
		}
		a.retried.Add(1)
		backoff := a.calculateBackoff(attempts)
		log.Printf("[ASYNC:%s] Delivery failed: %v (attempt %d/%d), retrying in %v",
			a.name, err, attempts, a.config.MaxRetries+1, backoff)
		if !a.sleep(backoff, a.stopCh) {
			break
		}
	}
	a.markLost(err)
	a.sendToDLQ(item, attempts, err)
}

func (a *AsyncSink) markLost(err error) {
	msg := "delivery stopped"
	if err != nil {
		msg = err.Error()
	}
	a.lastLost.Store(&msg)
	a.failing.Store(true)
	a.lost.Add(1)
}

func (a *AsyncSink) lostSinceFlush() error {
	lost := a.lost.Load()
	n := lost - a.lostAtFlush
	a.lostAtFlush = lost
	if n == 0 {
		return nil
	}
	last := ""
	if msg := a.lastLost.Load(); msg != nil {
		last = *msg
	}
	return fmt.Errorf("%d records failed delivery, last error: %s", n, last)
}

// DeliveryStatus reports the records accepted by Write that were never delivered
func (a *AsyncSink) DeliveryStatus() DeliveryStatus {
	ds := DeliveryStatus{Lost: a.lost.Load(), Failing: a.failing.Load()}
	if msg := a.lastLost.Load(); msg != nil {
		ds.LastError = *msg
	}
	return ds
}

// calculateBackoff returns RetryInterval * 2^(attempts-1), capped at MaxRetryDelay
func (a *AsyncSink) calculateBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	shift := attempts - 1
	if shift > 30 {
		shift = 30
	}
	backoff := a.config.RetryInterval * time.Duration(int64(1)<<uint(shift))
	if backoff <= 0 || backoff > a.config.MaxRetryDelay {
		backoff = a.config.MaxRetryDelay
	}
	return backoff
}

// sendToDLQ writes an undeliverable record to the dead-letter file
func (a *AsyncSink) sendToDLQ(item *asyncItem, attempts int, cause error) {
	a.failed.Add(1)
	if a.dlqFile == nil {
		log.Printf("[ASYNC:%s] Record failed permanently (DLQ disabled): %v", a.name, cause)
		return
	}

	entry := DeadLetter{
		Sink:       a.name,
		Time:       item.rec.Time,
		Level:      item.rec.Level.String(),
		Line:       item.line,
		Attempts:   attempts,
		EnqueuedAt: item.enqueuedAt,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[ASYNC:%s] Error marshaling DLQ entry: %v", a.name, err)
		return
	}

	a.dlqMu.Lock()
	defer a.dlqMu.Unlock()
	if _, err := a.dlqFile.Write(append(data, '\n')); err != nil {
		log.Printf("[ASYNC:%s] Error writing to DLQ: %v", a.name, err)
		return
	}
	a.dlq.Add(1)
}

// Stats returns current queue statistics
func (a *AsyncSink) Stats() AsyncStats {
	return AsyncStats{
		Enqueued:  a.enqueued.Load(),
		Delivered: a.delivered.Load(),
		Retried:   a.retried.Load(),
		Failed:    a.failed.Load(),
		Lost:      a.lost.Load(),
		DLQ:       a.dlq.Load(),
		Queued:    len(a.queue),
	}
}

// Close delivers what is queued, then closes the inner sink and the dead-letter file
func (a *AsyncSink) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	close(a.queue)
	a.wg.Wait()
	close(a.stopCh)

	var errs []error
	if err := a.inner.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	if err := a.inner.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	if a.dlqFile != nil {
		if err := a.dlqFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close dlq: %w", err))
		}
	}

	st := a.Stats()
	log.Printf("[ASYNC:%s] Final stats - Enqueued: %d, Delivered: %d, Retried: %d, DLQ: %d, Failed: %d",
		a.name, st.Enqueued, st.Delivered, st.Retried, st.DLQ, st.Failed)

	return errors.Join(errs...)
}

func sleepOrStop(d time.Duration, stop <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	}
}
