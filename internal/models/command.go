package models

import "time"

// OpType is the instruction kind of an outbound order command.
type OpType string

const (
	OpBuyOpen            OpType = "buy_open"
	OpSellOpen           OpType = "sell_open"
	OpBuyClose           OpType = "buy_close"
	OpSellClose          OpType = "sell_close"
	OpBuildCombination   OpType = "build_combination"
	OpReleaseCombination OpType = "release_combination"
)

// OpenOp returns the instruction that opens a position on side d.
func OpenOp(d Direction) OpType {
	if d == Long {
		return OpBuyOpen
	}
	return OpSellOpen
}

// CloseOp returns the instruction that closes a position held on side d.
func CloseOp(d Direction) OpType {
	if d == Long {
		return OpSellClose
	}
	return OpBuyClose
}

// OrderCommand is an instruction handed to the order gateway. Remark carries
// the full "strategyID|actionID|continuation" envelope.
type OrderCommand struct {
	CreatedAt   time.Time       `json:"created_at"`
	Legs        map[string]int  `json:"legs,omitempty"`
	ID          string          `json:"id"`
	OrderCode   string          `json:"order_code"`
	UserID      string          `json:"user_id"`
	AccountID   string          `json:"account_id"`
	StrategyID  string          `json:"strategy_id"`
	UserOrderID string          `json:"user_order_id"`
	Remark      string          `json:"remark"`
	OpType      OpType          `json:"op_type"`
	Volume      int64           `json:"volume"`
	CombType    CombinationType `json:"comb_type,omitempty"`
}
