// Package mock drives the demo feed: periodic KPI deltas and system metrics
// broadcast to every connected client.
package mock

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sirsinexus/relay/internal/state"
	"github.com/sirsinexus/relay/internal/ws"
)

// Broadcaster is the part of the hub the feed needs.
type Broadcaster interface {
	Broadcast(v any) error
}

type kpiDelta struct {
	id       string
	min, max int // inclusive
}

var kpiDeltas = []kpiDelta{
	{id: "total-users", min: -5, max: 4},
	{id: "pending-review", min: -2, max: 2},
	{id: "approved", min: -2, max: 5},
}

type Options struct {
	KPIInterval     time.Duration
	MetricsInterval time.Duration
	Source          MetricsSource
	Logger          *zap.Logger
	Rand            *rand.Rand
}

type Generator struct {
	out    Broadcaster
	opts   Options
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

func NewGenerator(out Broadcaster, opts Options) *Generator {
	if opts.KPIInterval <= 0 {
		opts.KPIInterval = 10 * time.Second
	}
	if opts.MetricsInterval <= 0 {
		opts.MetricsInterval = 5 * time.Second
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.Source == nil {
		opts.Source = NewRandomSource(rand.New(rand.NewSource(rng.Int63())))
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		out:    out,
		opts:   opts,
		logger: logger,
		rng:    rng,
		now:    time.Now,
	}
}

// Start launches the feed and returns immediately. It stops when ctx is
// cancelled or the hub shuts down.
func (g *Generator) Start(ctx context.Context) {
	g.logger.Info("demo feed started",
		zap.Duration("kpi_interval", g.opts.KPIInterval),
		zap.Duration("metrics_interval", g.opts.MetricsInterval))
	go g.run(ctx)
}

func (g *Generator) run(ctx context.Context) {
	kpiTicker := time.NewTicker(g.opts.KPIInterval)
	defer kpiTicker.Stop()
	metricsTicker := time.NewTicker(g.opts.MetricsInterval)
	defer metricsTicker.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case <-kpiTicker.C:
			err = g.out.Broadcast(g.NextKPI())
		case <-metricsTicker.C:
			err = g.out.Broadcast(g.NextMetrics(ctx))
		}
		if errors.Is(err, ws.ErrHubClosed) {
			g.logger.Info("demo feed stopped: hub closed")
			return
		}
		if err != nil {
			g.logger.Warn("demo broadcast failed", zap.Error(err))
		}
	}
}

// NextKPI picks one KPI and a random delta for it.
func (g *Generator) NextKPI() ws.KPIMessage {
	g.mu.Lock()
	d := kpiDeltas[g.rng.Intn(len(kpiDeltas))]
	change := d.min + g.rng.Intn(d.max-d.min+1)
	g.mu.Unlock()

	return ws.KPIMessage{
		Type:      ws.MsgKPIUpdate,
		KPIID:     d.id,
		Change:    &change,
		Timestamp: state.Timestamp(g.now()),
	}
}

func (g *Generator) NextMetrics(ctx context.Context) ws.MetricsMessage {
	m, err := g.opts.Source.Sample(ctx)
	if err != nil {
		g.logger.Warn("metrics sample failed", zap.Error(err))
	}
	return ws.MetricsMessage{
		Type:      ws.MsgMetricsUpdate,
		Metrics:   m,
		Timestamp: state.Timestamp(g.now()),
	}
}
