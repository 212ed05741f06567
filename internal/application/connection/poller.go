package connection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aescanero/comfyrt/pkg/ports"
	"github.com/aescanero/comfyrt/pkg/protocol"
	"go.uber.org/zap"
)

// Poller fetches queue status on a fixed interval while the realtime
// channel is unavailable. Every tick publishes a status event: the fetched
// status on success, null on failure.
type Poller struct {
	fetcher    StatusFetcher
	dispatcher ports.EventDispatcher
	interval   time.Duration
	timeout    time.Duration
	metrics    ports.MetricsCollector
	logger     *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// delivering is non-zero while a status handler runs on the poll goroutine
	delivering atomic.Int32
}

// NewPoller creates a new status poller
func NewPoller(fetcher StatusFetcher, dispatcher ports.EventDispatcher, interval, timeout time.Duration, metrics ports.MetricsCollector, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		fetcher:    fetcher,
		dispatcher: dispatcher,
		interval:   interval,
		timeout:    timeout,
		metrics:    metrics,
		logger:     logger,
	}
}

// Start starts polling. The first fetch happens one interval after Start.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	p.logger.Info("status polling started", zap.Duration("interval", p.interval))
	go p.run(ctx, stopCh, doneCh)
}

// Stop stops polling and waits for an in-flight fetch to finish. From a
// status handler it only signals the loop, which exits when the handler
// returns.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	close(stopCh)
	if p.delivering.Load() == 0 {
		<-doneCh
	}
	p.logger.Info("status polling stopped")
}

// Running reports whether the poll loop is active
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	status, err := p.fetcher.GetPromptStatus(reqCtx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.metrics.RecordPoll(false)
		p.logger.Debug("status poll failed", zap.Error(err))
		p.publish(nil)
		return
	}

	p.metrics.RecordPoll(true)
	p.publish(status)
}

func (p *Poller) publish(status *protocol.Status) {
	p.delivering.Add(1)
	defer p.delivering.Add(-1)
	if status == nil {
		p.dispatcher.Publish(protocol.KindStatus, nil)
		return
	}
	p.dispatcher.Publish(protocol.KindStatus, status)
}
