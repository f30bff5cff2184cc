package models

import (
	"time"

	"lnbank/internal/money"

	"github.com/shopspring/decimal"
)

// System identities that own the bank's own accounts.
const (
	BankUID   int64 = 23193913
	DealerUID int64 = 52172712
)

type AccountKind string

const (
	KindChecking AccountKind = "Checking"
	KindInternal AccountKind = "Internal"
)

type AccountClass string

const (
	ClassUser        AccountClass = "User"
	ClassLiabilities AccountClass = "Liabilities"
	ClassFees        AccountClass = "Fees"
	ClassDealer      AccountClass = "Dealer"
)

type TxKind string

const (
	TxInternal         TxKind = "Internal"
	TxLightningReceive TxKind = "LightningReceive"
	TxLightningSend    TxKind = "LightningSend"
	TxOnchainReceive   TxKind = "OnchainReceive"
	TxSwap             TxKind = "Swap"
	TxFee              TxKind = "Fee"
)

type InvoiceStatus string

const (
	InvoiceOpen    InvoiceStatus = "Open"
	InvoiceSettled InvoiceStatus = "Settled"
	InvoiceExpired InvoiceStatus = "Expired"
	InvoicePending InvoiceStatus = "Pending"
	InvoiceFailed  InvoiceStatus = "Failed"
)

type User struct {
	UID        int64     `db:"uid" json:"uid"`
	Username   string    `db:"username" json:"username"`
	IsInternal bool      `db:"is_internal" json:"is_internal"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

type Account struct {
	ID        string          `db:"account_id" json:"account_id"`
	UID       int64           `db:"uid" json:"uid"`
	Currency  money.Currency  `db:"currency" json:"currency"`
	Balance   decimal.Decimal `db:"balance" json:"balance"`
	Kind      AccountKind     `db:"account_type" json:"account_type"`
	Class     AccountClass    `db:"account_class" json:"account_class"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// MayGoNegative is true only for the bank's own Internal accounts.
func (a Account) MayGoNegative() bool {
	return a.Kind == KindInternal
}

// Transaction is one immutable double-entry movement.
type Transaction struct {
	ID                string          `db:"txid" json:"txid"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	OutboundAccountID string          `db:"outbound_account_id" json:"outbound_account_id"`
	OutboundUID       int64           `db:"outbound_uid" json:"outbound_uid"`
	OutboundAmount    decimal.Decimal `db:"outbound_amount" json:"outbound_amount"`
	OutboundCurrency  money.Currency  `db:"outbound_currency" json:"outbound_currency"`
	InboundAccountID  string          `db:"inbound_account_id" json:"inbound_account_id"`
	InboundUID        int64           `db:"inbound_uid" json:"inbound_uid"`
	InboundAmount     decimal.Decimal `db:"inbound_amount" json:"inbound_amount"`
	InboundCurrency   money.Currency  `db:"inbound_currency" json:"inbound_currency"`
	ExchangeRate      decimal.Decimal `db:"exchange_rate" json:"exchange_rate"`
	Kind              TxKind          `db:"tx_type" json:"tx_type"`
	Fees              decimal.Decimal `db:"fees" json:"fees"`
}

// Reversed returns the mirror movement of t with a new identity.
func (t Transaction) Reversed(id string, at time.Time) Transaction {
	rate := decimal.NewFromInt(1)
	if !t.ExchangeRate.IsZero() && !t.ExchangeRate.Equal(rate) {
		rate = rate.DivRound(t.ExchangeRate, 16)
	}
	return Transaction{
		ID:                id,
		CreatedAt:         at,
		OutboundAccountID: t.InboundAccountID,
		OutboundUID:       t.InboundUID,
		OutboundAmount:    t.InboundAmount,
		OutboundCurrency:  t.InboundCurrency,
		InboundAccountID:  t.OutboundAccountID,
		InboundUID:        t.OutboundUID,
		InboundAmount:     t.OutboundAmount,
		InboundCurrency:   t.OutboundCurrency,
		ExchangeRate:      rate,
		Kind:              t.Kind,
		Fees:              decimal.Zero,
	}
}

// SummaryTransaction groups the physical legs of one customer-facing event.
type SummaryTransaction struct {
	ID                string          `db:"txid" json:"txid"`
	RequestID         string          `db:"request_id" json:"request_id"`
	FeeTxID           *string         `db:"fee_txid" json:"fee_txid,omitempty"`
	OutboundTxID      *string         `db:"outbound_txid" json:"outbound_txid,omitempty"`
	InboundTxID       *string         `db:"inbound_txid" json:"inbound_txid,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	OutboundAccountID string          `db:"outbound_account_id" json:"outbound_account_id"`
	OutboundUID       int64           `db:"outbound_uid" json:"outbound_uid"`
	OutboundAmount    decimal.Decimal `db:"outbound_amount" json:"outbound_amount"`
	OutboundCurrency  money.Currency  `db:"outbound_currency" json:"outbound_currency"`
	InboundAccountID  string          `db:"inbound_account_id" json:"inbound_account_id"`
	InboundUID        int64           `db:"inbound_uid" json:"inbound_uid"`
	InboundAmount     decimal.Decimal `db:"inbound_amount" json:"inbound_amount"`
	InboundCurrency   money.Currency  `db:"inbound_currency" json:"inbound_currency"`
	ExchangeRate      decimal.Decimal `db:"exchange_rate" json:"exchange_rate"`
	Kind              TxKind          `db:"tx_type" json:"tx_type"`
	Fees              decimal.Decimal `db:"fees" json:"fees"`
	Reference         string          `db:"reference" json:"reference"`
}

type Invoice struct {
	PaymentHash    string          `db:"payment_hash" json:"payment_hash"`
	PaymentRequest string          `db:"payment_request" json:"payment_request"`
	Value          int64           `db:"value" json:"value"`
	ValueMsat      int64           `db:"value_msat" json:"value_msat"`
	Expiry         int64           `db:"expiry" json:"expiry"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	Settled        bool            `db:"settled" json:"settled"`
	SettledAt      *time.Time      `db:"settled_at" json:"settled_at,omitempty"`
	AddIndex       int64           `db:"add_index" json:"add_index"`
	AccountID      string          `db:"account_id" json:"account_id"`
	UID            int64           `db:"uid" json:"uid"`
	Incoming       bool            `db:"incoming" json:"incoming"`
	FeesMsat       int64           `db:"fees" json:"fees"`
	Currency       money.Currency  `db:"currency" json:"currency"`
	Status         InvoiceStatus   `db:"status" json:"status"`
	SummaryTxID    *string         `db:"summary_txid" json:"summary_txid,omitempty"`
	ReservedFee    decimal.Decimal `db:"reserved_fee" json:"reserved_fee"`
	Description    string          `db:"description" json:"description"`
}

func (i Invoice) ExpiresAt() time.Time {
	return i.CreatedAt.Add(time.Duration(i.Expiry) * time.Second)
}

type OnchainTransaction struct {
	TxID      string    `db:"txid" json:"txid"`
	UID       int64     `db:"uid" json:"uid"`
	Address   string    `db:"address" json:"address"`
	ValueSats int64     `db:"value_sats" json:"value_sats"`
	IsSettled bool      `db:"is_settled" json:"is_settled"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type BitcoinAddress struct {
	Address string `db:"address" json:"address"`
	UID     int64  `db:"uid" json:"uid"`
}

// LnurlWithdrawal is a standing offer that lets a wallet pull up to MaxMsat
// from the user's account once, until ExpiresAt.
type LnurlWithdrawal struct {
	ID        string          `db:"id" json:"id"`
	UID       int64           `db:"uid" json:"uid"`
	Currency  money.Currency  `db:"currency" json:"currency"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	MaxMsat   int64           `db:"max_msat" json:"max_msat"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	ExpiresAt time.Time       `db:"expires_at" json:"expires_at"`
}
