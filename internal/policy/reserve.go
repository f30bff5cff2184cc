package policy

import (
	"context"
	"errors"

	"lnbank/internal/ledger"
	"lnbank/internal/store"

	"github.com/shopspring/decimal"
)

var ErrReserveBreached = errors.New("reserve ratio would be breached")

// ReserveSource takes the reserve lock inside tx and reads what customers are
// owed and the bank's equity through it.
type ReserveSource interface {
	LockReserve(ctx context.Context, tx store.Tx) (liabilities, equity decimal.Decimal, err error)
}

// OutboundSource reports BTC already committed to payments the node has not
// resolved.
type OutboundSource interface {
	PendingOutbound(ctx context.Context, q store.Getter) (decimal.Decimal, error)
}

type ChannelBalancer interface {
	ChannelBalance(ctx context.Context) (decimal.Decimal, error)
}

// Reserve checks that after a BTC withdrawal the bank can still cover
// ratio of what customers are owed from its channel balance plus equity.
type Reserve struct {
	ratio    decimal.Decimal
	ledger   ReserveSource
	outbound OutboundSource
	node     ChannelBalancer
}

func NewReserve(ratio decimal.Decimal, ledger ReserveSource, outbound OutboundSource, node ChannelBalancer) *Reserve {
	return &Reserve{ratio: ratio, ledger: ledger, outbound: outbound, node: node}
}

// Guard checks the reserve for a withdrawal inside the commit transaction.
// The reserve lock makes concurrent withdrawals check one after another, so
// each sees the debits of those committed before it. Payments still in
// flight are taken off the channel balance until they resolve.
func (r *Reserve) Guard(withdrawal decimal.Decimal) ledger.Guard {
	return func(ctx context.Context, tx store.Tx) error {
		liabilities, equity, err := r.ledger.LockReserve(ctx, tx)
		if err != nil {
			return err
		}
		outbound, err := r.outbound.PendingOutbound(ctx, tx)
		if err != nil {
			return err
		}
		channel, err := r.node.ChannelBalance(ctx)
		if err != nil {
			return ledger.Reject(err)
		}
		ok, _ := Covered(channel.Sub(outbound), equity, liabilities, withdrawal, r.ratio)
		if !ok {
			return ledger.Reject(ErrReserveBreached)
		}
		return nil
	}
}

// Covered reports whether (channel - d + equity) / (liabilities - d) stays at
// or above ratio, and the post-withdrawal ratio when liabilities remain.
func Covered(channel, equity, liabilities, d, ratio decimal.Decimal) (bool, decimal.Decimal) {
	owed := liabilities.Sub(d)
	if !owed.IsPositive() {
		return true, decimal.Zero
	}
	assets := channel.Sub(d).Add(equity)
	got := assets.DivRound(owed, 16)
	return got.GreaterThanOrEqual(ratio), got
}
