// Package jobs runs analysis work off the request path.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"yuzu/coach/internal/coaching"
)

var (
	ErrAlreadyQueued = errors.New("analysis already queued for session")
	ErrQueueFull     = errors.New("analysis queue full")
	ErrClosed        = errors.New("dispatcher closed")
)

// Analyzer is the unit of work: one analysis attempt for one session.
type Analyzer interface {
	Generate(ctx context.Context, sessionID string) coaching.Outcome
}

// Dispatcher is used by handlers to hand a session to the analysis backend.
type Dispatcher interface {
	Enqueue(ctx context.Context, sessionID string) error
}

// LocalPool runs jobs on a fixed set of goroutines fed by a bounded queue.
// A session holds at most one slot, queued or running.
type LocalPool struct {
	analyzer   Analyzer
	log        *logrus.Logger
	jobTimeout time.Duration

	queue chan string
	wg    sync.WaitGroup
	base  context.Context
	stop  context.CancelFunc

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool
}

func NewLocalPool(a Analyzer, log *logrus.Logger, workers, queueSize int, jobTimeout time.Duration) *LocalPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	base, stop := context.WithCancel(context.Background())
	p := &LocalPool{
		analyzer:   a,
		log:        log,
		jobTimeout: jobTimeout,
		queue:      make(chan string, queueSize),
		base:       base,
		stop:       stop,
		inflight:   make(map[string]struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// holds reports whether sessionID occupies a slot.
func (p *LocalPool) holds(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[sessionID]
	return ok
}

// Enqueue never blocks. The request context is not propagated to the job.
func (p *LocalPool) Enqueue(_ context.Context, sessionID string) error {
	// Reserve slot to prevent TOCTOU duplicate starts
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if _, exists := p.inflight[sessionID]; exists {
		jobsRejected.WithLabelValues("duplicate").Inc()
		return ErrAlreadyQueued
	}
	select {
	case p.queue <- sessionID:
	default:
		jobsRejected.WithLabelValues("full").Inc()
		return ErrQueueFull
	}
	p.inflight[sessionID] = struct{}{}
	jobsEnqueued.WithLabelValues("local").Inc()
	queueDepth.Set(float64(len(p.queue)))
	return nil
}

func (p *LocalPool) worker() {
	defer p.wg.Done()
	for id := range p.queue {
		queueDepth.Set(float64(len(p.queue)))
		p.run(id)
	}
}

func (p *LocalPool) run(id string) {
	jobsRunning.Inc()
	defer func() {
		jobsRunning.Dec()
		p.mu.Lock()
		delete(p.inflight, id)
		p.mu.Unlock()
	}()
	// last line of defense; the generator already converts panics to session errors
	defer func() {
		if r := recover(); r != nil {
			p.log.WithFields(logrus.Fields{"session_id": id, "panic": r}).Error("analysis job panicked")
		}
	}()

	ctx := p.base
	var cancel context.CancelFunc = func() {}
	if p.jobTimeout > 0 {
		ctx, cancel = context.WithTimeout(p.base, p.jobTimeout)
	}
	defer cancel()

	out := p.analyzer.Generate(ctx, id)
	p.log.WithFields(logrus.Fields{"session_id": id, "outcome": out}).Info("analysis job finished")
}

// Shutdown stops accepting jobs and waits for queued and running ones to
// finish. If ctx expires first, running jobs are cancelled.
func (p *LocalPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.stop()
		return nil
	case <-ctx.Done():
		p.stop()
		<-done
		return ctx.Err()
	}
}
