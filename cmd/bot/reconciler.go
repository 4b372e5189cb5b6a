package main

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/option_ledger/internal/chain"
	"github.com/eddiefleurent/option_ledger/internal/models"
)

// LedgerView is the read side of one strategy's ledgers.
type LedgerView interface {
	StrategyID() string
	Positions() []models.Position
	Combinations() []models.Combination
}

// Issue kinds reported by the reconciler.
const (
	IssueOvercommitted    = "overcommitted"
	IssueUnlisted         = "unlisted"
	IssueEmptyCombination = "empty_combination"
)

// Issue is one inconsistency between the position and combination ledgers.
type Issue struct {
	Kind       string
	StrategyID string
	Instrument string
	Held       int64
	Committed  int64
}

// Reconciler checks that combinations are backed by positions and that every
// held instrument is still listed.
type Reconciler struct {
	contracts chain.Lookup
	logger    zerolog.Logger
	reported  map[string]struct{}
	mu        sync.Mutex
}

// NewReconciler creates a reconciler reading contracts from lookup.
func NewReconciler(lookup chain.Lookup, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		contracts: lookup,
		logger:    logger.With().Str("component", "reconciler").Logger(),
		reported:  make(map[string]struct{}),
	}
}

// Reconcile returns the issues of one strategy ordered by instrument.
func (r *Reconciler) Reconcile(view LedgerView) []Issue {
	id := view.StrategyID()
	held := make(map[string]int64)
	for _, p := range view.Positions() {
		held[p.InstrumentID] += p.Volume
	}

	committed := make(map[string]int64)
	var issues []Issue
	for _, c := range view.Combinations() {
		if c.Volume <= 0 {
			issues = append(issues, Issue{Kind: IssueEmptyCombination, StrategyID: id, Instrument: c.Pair()})
			continue
		}
		for _, leg := range []string{c.LegA, c.LegB} {
			inst, _ := models.SplitSymbol(leg)
			committed[inst] += c.Volume
		}
	}

	for inst, n := range committed {
		if n > held[inst] {
			issues = append(issues, Issue{Kind: IssueOvercommitted, StrategyID: id, Instrument: inst,
				Held: held[inst], Committed: n})
		}
	}
	for inst, n := range held {
		if _, ok := r.contracts.Contract(inst); !ok {
			issues = append(issues, Issue{Kind: IssueUnlisted, StrategyID: id, Instrument: inst,
				Held: n, Committed: committed[inst]})
		}
	}

	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Instrument != issues[j].Instrument {
			return issues[i].Instrument < issues[j].Instrument
		}
		return issues[i].Kind < issues[j].Kind
	})
	return issues
}

// Check reconciles every view and logs each issue once.
func (r *Reconciler) Check(views ...LedgerView) []Issue {
	var all []Issue
	for _, v := range views {
		all = append(all, r.Reconcile(v)...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, is := range all {
		key := is.StrategyID + "|" + is.Kind + "|" + is.Instrument
		if _, seen := r.reported[key]; seen {
			continue
		}
		r.reported[key] = struct{}{}
		r.logger.Warn().Str("strategy_id", is.StrategyID).Str("kind", is.Kind).
			Str("instrument", is.Instrument).Int64("held", is.Held).Int64("committed", is.Committed).
			Msg("ledger inconsistency")
	}
	return all
}
