package reachability

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vertextoedge/offline-media-cache/internal/port"
)

// ProberConfig holds probe settings
type ProberConfig struct {
	Address   string // host:port dialled on every probe
	Interval  time.Duration
	Timeout   time.Duration
	Interface port.InterfaceType
}

// Prober derives reachability from periodic TCP dials to a known address
type Prober struct {
	*Manual

	config ProberConfig
	dialer func(ctx context.Context, network, address string) (net.Conn, error)
	logger *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewProber creates a new Prober. The initial status is optimistic until
// the first probe completes.
func NewProber(config ProberConfig, logger *zap.Logger) *Prober {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 3 * time.Second
	}
	if config.Interface == "" {
		config.Interface = port.InterfaceOther
	}

	d := &net.Dialer{}
	return &Prober{
		Manual: NewManual(port.PathStatus{Satisfied: true, Interface: config.Interface}),
		config: config,
		dialer: d.DialContext,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start begins probing in the background
func (p *Prober) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
	p.logger.Info("reachability prober started",
		zap.String("address", p.config.Address),
		zap.Duration("interval", p.config.Interval),
	)
}

// Stop stops probing
func (p *Prober) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Prober) run(ctx context.Context) {
	defer p.wg.Done()

	p.probe(ctx)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	conn, err := p.dialer(probeCtx, "tcp", p.config.Address)
	satisfied := err == nil
	if conn != nil {
		conn.Close()
	}

	before := p.Current()
	if before.Satisfied != satisfied {
		p.logger.Info("reachability changed",
			zap.Bool("satisfied", satisfied),
			zap.String("interface", string(before.Interface)),
			zap.Error(err),
		)
	}
	p.Set(port.PathStatus{Satisfied: satisfied, Interface: before.Interface})
}
