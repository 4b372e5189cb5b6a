// Package strategy holds the trading logic plugged into a running instance.
// Strategies are registered by name at startup and decide which orders to
// open; the sequencer carries those orders through to completion.
package strategy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/eddiefleurent/option_ledger/internal/chain"
	"github.com/eddiefleurent/option_ledger/internal/models"
)

// ErrUnknownStrategy is returned for names missing from the registry.
var ErrUnknownStrategy = errors.New("unknown strategy")

// Order is an entry instruction produced by a strategy. The runtime wraps it
// into an OrderCommand carrying the strategy's remark envelope.
type Order struct {
	Op           models.OpType
	Code         string
	Volume       int64
	Continuation string
}

// View is the read-only ledger state a strategy decides on.
type View interface {
	Positions() []models.Position
	Combinations() []models.Combination
	Account() models.Account
}

// Deps are the collaborators handed to a strategy constructor.
type Deps struct {
	Chain  chain.Lookup
	Logger zerolog.Logger
}

// Strategy reacts to market bars and fills.
type Strategy interface {
	Name() string
	OnBar(ctx context.Context, bar models.Bar, view View) ([]Order, error)
	OnDeal(ctx context.Context, deal models.DealEvent, view View) ([]Order, error)
}

// Factory builds a strategy from its configured params.
type Factory func(params map[string]any, deps Deps) (Strategy, error)

// Registry maps strategy names to factories.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry returns a registry holding the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(PassiveName, NewPassive)
	r.Register(StrangleName, NewStrangle)
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds the strategy registered under name.
func (r *Registry) New(name string, params map[string]any, deps Deps) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	s, err := f(params, deps)
	if err != nil {
		return nil, fmt.Errorf("building strategy %q: %w", name, err)
	}
	return s, nil
}

// Names lists the registered strategies.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// decodeParams copies params into out, rejecting unknown keys.
func decodeParams(params map[string]any, out any) error {
	if len(params) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding params: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decoding params: %w", err)
	}
	return nil
}
