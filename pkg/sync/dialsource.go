package sync

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

// DialFunc opens a connection; net.Dialer.DialContext fits.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// DialSource reports reachability of one TCP endpoint by dialing it
// periodically. It emits SignalOnline and SignalOffline on transitions only.
type DialSource struct {
	*ManualSource

	address  string
	interval time.Duration
	timeout  time.Duration
	dial     DialFunc
	logger   *slog.Logger

	mu      sync.Mutex
	known   bool
	cancel  context.CancelFunc
	stopped chan struct{}
}

// DialOption configures a DialSource.
type DialOption func(*DialSource)

func WithDialInterval(d time.Duration) DialOption {
	return func(p *DialSource) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithDialTimeout(d time.Duration) DialOption {
	return func(p *DialSource) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithDialer(dial DialFunc) DialOption {
	return func(p *DialSource) {
		if dial != nil {
			p.dial = dial
		}
	}
}

func WithDialLogger(logger *slog.Logger) DialOption {
	return func(p *DialSource) {
		if logger != nil {
			p.logger = logger.With("component", "reachability")
		}
	}
}

// NewDialSource creates a reachability source for address (host:port). It starts offline.
func NewDialSource(address string, opts ...DialOption) *DialSource {
	var d net.Dialer
	p := &DialSource{
		ManualSource: NewManualSource(false),
		address:      address,
		interval:     5 * time.Second,
		timeout:      2 * time.Second,
		dial:         d.DialContext,
		logger:       slog.Default().With("component", "reachability"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Check dials once and emits a signal if reachability changed. The first
// successful dial always emits SignalOnline.
func (p *DialSource) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	reachable := false
	conn, err := p.dial(ctx, "tcp", p.address)
	if err == nil {
		reachable = true
		conn.Close()
	}

	p.mu.Lock()
	changed := !p.known || p.Online() != reachable
	p.known = true
	p.mu.Unlock()

	if changed {
		if reachable {
			p.logger.Info("endpoint reachable", "address", p.address)
			p.Emit(SignalOnline)
		} else {
			p.logger.Info("endpoint unreachable", "address", p.address, "error", err)
			p.Emit(SignalOffline)
		}
	}
	return reachable
}

// Start dials immediately and then every interval until ctx is done or
// Stop is called.
func (p *DialSource) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return errors.New("dial source already started")
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.stopped = make(chan struct{})
	stopped := p.stopped
	p.mu.Unlock()

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.Check(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Check(ctx)
			}
		}
	}()

	p.logger.Debug("reachability started", "address", p.address, "interval", p.interval)
	return nil
}

// Stop ends the dial loop and waits for it to exit.
func (p *DialSource) Stop() {
	p.mu.Lock()
	cancel, stopped := p.cancel, p.stopped
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
	p.logger.Debug("reachability stopped", "address", p.address)
}
