package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-flyers/config"
	"github.com/aluiziolira/go-scrape-flyers/models"
	"github.com/aluiziolira/go-scrape-flyers/parser"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
	// ErrPipelineCloseTimeout is returned when pending rows are not written in time.
	ErrPipelineCloseTimeout = errors.New("pipeline: close timed out")
)

// drainTimeout bounds how long Close waits for the writer goroutine.
var drainTimeout = 30 * time.Second

// OutputWriter defines the interface for data output.
type OutputWriter interface {
	Write(rows []models.OutputRow) error
	Close() error
	Validate() error
}

// Pipeline validates rows and hands them to the writer in batches. A single
// writer goroutine keeps rows in submission order.
type Pipeline struct {
	ctx       context.Context
	writer    OutputWriter
	rowCh     chan models.OutputRow
	batchSize int
	done      chan struct{}

	metrics metrics

	mu      sync.Mutex // guards started/closed/err
	started bool
	closed  bool
	err     error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline sized from cfg.
func NewPipeline(ctx context.Context, writer OutputWriter, cfg *config.Config) *Pipeline {
	if ctx == nil {
		ctx = context.Background()
	}
	bufferSize := cfg.PipelineBufferSize
	if bufferSize <= 0 {
		bufferSize = 512
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 64
	}
	return &Pipeline{
		ctx:       ctx,
		writer:    writer,
		rowCh:     make(chan models.OutputRow, bufferSize),
		batchSize: batchSize,
		done:      make(chan struct{}),
		metrics:   newMetrics(),
		shutdown:  make(chan struct{}),
	}
}

// Start launches the writer goroutine. Calling it more than once is a no-op.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.started {
		return
	}
	p.started = true
	go p.worker()
}

// Process enqueues rows for writing.
func (p *Pipeline) Process(rows ...models.OutputRow) error {
	if len(rows) == 0 {
		return nil
	}

	closed, err := p.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrPipelineClosed
	}

	for _, r := range rows {
		if err := p.enqueue(r); err != nil {
			return err
		}
	}
	return nil
}

// Close waits for pending rows to be written and prevents more submissions.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.closed = true
	started := p.started
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.rowCh)
	})

	if !started {
		return p.Err()
	}

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrPipelineCloseTimeout, drainTimeout)
	}
	return p.Err()
}

// Shutdown closes the pipeline, validates the output and closes the writer.
// After a drain timeout the writer is left open, since the worker may still
// be inside Write.
func (p *Pipeline) Shutdown() error {
	if err := p.Close(); err != nil {
		if errors.Is(err, ErrPipelineCloseTimeout) {
			return err
		}
		return errors.Join(err, p.writer.Close())
	}
	if err := p.writer.Validate(); err != nil {
		return errors.Join(fmt.Errorf("output validation failed: %w", err), p.writer.Close())
	}
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

// Written returns the number of rows handed to the writer.
func (p *Pipeline) Written() int64 {
	return p.metrics.writtenRows()
}

// StartMetricsReporting emits periodic progress logs.
func (p *Pipeline) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				metrics := p.GetMetrics()
				slog.Info("pipeline progress",
					slog.Int64("written", metrics["written_rows"].(int64)),
					slog.Int("validation_errors", len(metrics["validation_errors"].(map[string]int))),
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pipeline) worker() {
	defer close(p.done)

	batch := make([]models.OutputRow, 0, p.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.writer.Write(batch); err != nil {
			return err
		}
		p.metrics.addWritten(len(batch))
		batch = batch[:0]
		return nil
	}

	for r := range p.rowCh {
		if !p.prepare(&r) {
			continue
		}
		batch = append(batch, r)
		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				p.setErr(fmt.Errorf("write batch: %w", err))
				return
			}
		}
	}

	if err := flush(); err != nil {
		p.setErr(fmt.Errorf("write batch: %w", err))
	}
}

func (p *Pipeline) prepare(r *models.OutputRow) bool {
	if err := parser.ValidateRow(r); err != nil {
		p.metrics.addValidation("invalid_record")
		slog.Debug("dropping row", slog.Any("error", err))
		return false
	}
	return true
}

func (p *Pipeline) enqueue(r models.OutputRow) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = ErrPipelineClosed
		}
	}()

	select {
	case <-p.shutdown:
		return ErrPipelineClosed
	case <-p.ctx.Done():
		return p.ctx.Err()
	case p.rowCh <- r:
		return nil
	}
}

func (p *Pipeline) setErr(err error) {
	if err == nil {
		return
	}

	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
}

func (p *Pipeline) state() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.err
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

type metrics struct {
	mu         sync.Mutex
	written    int64
	validation map[string]int
}

func newMetrics() metrics {
	return metrics{
		validation: make(map[string]int),
	}
}

func (m *metrics) addWritten(n int) {
	m.mu.Lock()
	m.written += int64(n)
	m.mu.Unlock()
}

func (m *metrics) writtenRows() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written
}

func (m *metrics) addValidation(kind string) {
	m.mu.Lock()
	m.validation[kind]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	copyValidation := make(map[string]int, len(m.validation))
	for k, v := range m.validation {
		copyValidation[k] = v
	}

	return map[string]interface{}{
		"written_rows":      m.written,
		"validation_errors": copyValidation,
	}
}
