package query

import (
	"SafeLedger/internal/ledger"
	"SafeLedger/internal/settlement"
)

// AccountView is the live state of one account. It is read from the engine,
// not from projections, so it is never stale.
type AccountView struct {
	Account             string        `json:"account"`
	Balance             ledger.Amount `json:"balance"`
	Shares              ledger.Amount `json:"shares"`
	Nonce               uint64        `json:"nonce"`
	LastActionTimestamp int64         `json:"last_action_timestamp"`
	InFlight            bool          `json:"in_flight"` // a settlement is between reserve and finalize
	AsOfSequence        uint64        `json:"as_of_sequence"`
}

// Account returns the view for id. Unknown accounts read as zero and
// known is false.
func Account(e *settlement.Engine, id ledger.AccountID) (view AccountView, known bool) {
	acct, known := e.Account(id)
	return AccountView{
		Account:             id.Hex(),
		Balance:             acct.Balance,
		Shares:              acct.Shares,
		Nonce:               acct.Nonce,
		LastActionTimestamp: acct.LastActionTimestamp,
		InFlight:            e.InFlight(id),
		AsOfSequence:        e.Sequence(),
	}, known
}

// SharePriceView is the pool's share price in fixed-point and decimal form.
type SharePriceView struct {
	Price        ledger.Amount `json:"price"` // 18 decimals
	Decimal      string        `json:"decimal"`
	TotalBalance ledger.Amount `json:"total_balance"`
	TotalShares  ledger.Amount `json:"total_shares"`
	AsOfSequence uint64        `json:"as_of_sequence"`
}

func SharePrice(e *settlement.Engine) SharePriceView {
	tb, ts := e.Totals()
	return SharePriceView{
		Price:        e.SharePrice(),
		Decimal:      e.SharePriceDecimal().String(),
		TotalBalance: tb,
		TotalShares:  ts,
		AsOfSequence: e.Sequence(),
	}
}
