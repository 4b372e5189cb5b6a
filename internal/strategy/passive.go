package strategy

import (
	"context"

	"github.com/eddiefleurent/option_ledger/internal/models"
)

// PassiveName registers the ledger-only strategy.
const PassiveName = "passive"

// Passive never trades. Its instance only books the deals routed to it.
type Passive struct{}

// NewPassive ignores params.
func NewPassive(map[string]any, Deps) (Strategy, error) {
	return Passive{}, nil
}

func (Passive) Name() string { return PassiveName }

func (Passive) OnBar(context.Context, models.Bar, View) ([]Order, error) { return nil, nil }

func (Passive) OnDeal(context.Context, models.DealEvent, View) ([]Order, error) { return nil, nil }
