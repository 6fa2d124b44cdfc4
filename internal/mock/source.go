package mock

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/sirsinexus/relay/internal/ws"
)

// MetricsSource produces one metricsUpdate payload.
type MetricsSource interface {
	Sample(ctx context.Context) (ws.Metrics, error)
}

// NewSource returns the source registered under name: "random" or "host".
func NewSource(name string, rng *rand.Rand) (MetricsSource, error) {
	switch name {
	case "", "random":
		return NewRandomSource(rng), nil
	case "host":
		return NewHostSource(rng), nil
	}
	return nil, fmt.Errorf("unknown metrics source %q", name)
}

// RandomSource draws every field from the demo ranges.
type RandomSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandomSource(rng *rand.Rand) *RandomSource {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &RandomSource{rng: rng}
}

func (s *RandomSource) Sample(context.Context) (ws.Metrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ws.Metrics{
		CPU:          float64(30 + s.rng.Intn(40)),
		Memory:       float64(50 + s.rng.Intn(30)),
		Requests:     1000 + s.rng.Intn(2000),
		ResponseTime: 50 + s.rng.Intn(100),
	}, nil
}

// HostSource reports real CPU and memory usage of the relay host. Traffic
// figures stay random.
type HostSource struct {
	traffic *RandomSource
}

func NewHostSource(rng *rand.Rand) *HostSource {
	return &HostSource{traffic: NewRandomSource(rng)}
}

// Sample falls back to the random figures for any reading that fails and
// returns the first error.
func (s *HostSource) Sample(ctx context.Context) (ws.Metrics, error) {
	m, _ := s.traffic.Sample(ctx)

	var firstErr error
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		firstErr = fmt.Errorf("cpu percent: %w", err)
	} else if len(pct) > 0 {
		m.CPU = round1(pct[0])
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("virtual memory: %w", err)
		}
	} else {
		m.Memory = round1(vm.UsedPercent)
	}
	return m, firstErr
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
