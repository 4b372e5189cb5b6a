package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/option_ledger/internal/broker"
	"github.com/eddiefleurent/option_ledger/internal/models"
	"github.com/eddiefleurent/option_ledger/internal/sequencer"
)

// Manager keeps the running instances keyed by strategy ID and routes feed
// messages to them.
type Manager struct {
	instances map[string]*Instance
	logger    zerolog.Logger
	mu        sync.RWMutex
}

// Ensure Manager can consume a feed.
var _ broker.Handler = (*Manager)(nil)

// NewManager creates an empty manager.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		instances: make(map[string]*Instance),
		logger:    logger.With().Str("component", "runtime").Logger(),
	}
}

// Add registers inst.
func (m *Manager) Add(inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[inst.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrInstanceExists, inst.ID())
	}
	m.instances[inst.ID()] = inst
	return nil
}

// Get returns the instance of a strategy.
func (m *Manager) Get(id string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return inst, nil
}

// IDs lists the registered strategy IDs.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Remove stops and unregisters an instance.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	delete(m.instances, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return inst.Stop()
}

func (m *Manager) all() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	return out
}

// StartAll starts every instance. Instances that fail to start are reported
// together; the others keep running.
func (m *Manager) StartAll(ctx context.Context) error {
	var g errgroup.Group
	var mu sync.Mutex
	var errs []error
	for _, inst := range m.all() {
		g.Go(func() error {
			if err := inst.Start(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// StopAll stops every instance concurrently.
func (m *Manager) StopAll() error {
	var g errgroup.Group
	var mu sync.Mutex
	var errs []error
	for _, inst := range m.all() {
		g.Go(func() error {
			if err := inst.Stop(); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// OnDeal routes a deal to the strategy named in its remark.
func (m *Manager) OnDeal(_ context.Context, deal models.DealEvent) error {
	id := sequencer.RouteKey(deal.Remark)
	inst, err := m.Get(id)
	if err != nil {
		m.logger.Warn().Str("remark", deal.Remark).Str("instrument", deal.InstrumentID).
			Msg("deal for unknown strategy dropped")
		return err
	}
	return inst.PushDeal(deal)
}

// OnBar hands a bar to every running instance.
func (m *Manager) OnBar(_ context.Context, bar models.Bar) error {
	var errs []error
	for _, inst := range m.all() {
		if err := inst.PushBar(bar); err != nil && !errors.Is(err, ErrNotRunning) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
