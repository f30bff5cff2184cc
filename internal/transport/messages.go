package transport

import (
	"strconv"
	"time"

	"lnbank/internal/money"

	"github.com/shopspring/decimal"
)

type DepositRequest struct {
	RequestID string          `json:"request_id" validate:"required"`
	UID       int64           `json:"uid" validate:"required,gt=0"`
	Currency  money.Currency  `json:"currency" validate:"required,currency"`
	Amount    decimal.Decimal `json:"amount" validate:"positive"`
	Memo      string          `json:"memo" validate:"max=256"`
}

// InvoiceRequest asks for a payable invoice; it shares DepositRequest's shape
// but counts against the invoice-creation bucket.
type InvoiceRequest DepositRequest

type WithdrawalRequest struct {
	RequestID      string         `json:"request_id" validate:"required"`
	UID            int64          `json:"uid" validate:"required,gt=0"`
	Currency       money.Currency `json:"currency" validate:"required,currency"`
	PaymentRequest string         `json:"payment_request" validate:"required,payreq"`
}

type TransferRequest struct {
	RequestID string          `json:"request_id" validate:"required"`
	UID       int64           `json:"uid" validate:"required,gt=0"`
	ToUID     int64           `json:"to_uid" validate:"required,gt=0,nefield=UID"`
	Currency  money.Currency  `json:"currency" validate:"required,currency"`
	Amount    decimal.Decimal `json:"amount" validate:"positive"`
}

type SwapRequest struct {
	RequestID string          `json:"request_id" validate:"required"`
	UID       int64           `json:"uid" validate:"required,gt=0"`
	From      money.Currency  `json:"from" validate:"required,currency"`
	To        money.Currency  `json:"to" validate:"required,currency,nefield=From"`
	Amount    decimal.Decimal `json:"amount" validate:"positive"`
}

// QuoteRequest asks the dealer for a rate. UID is set when a user asked
// for the quote through the API; the bank forwards those unchanged.
type QuoteRequest struct {
	CorrelationID string          `json:"correlation_id"`
	UID           int64           `json:"uid,omitempty"`
	Pair          money.Pair      `json:"pair"`
	Quantity      decimal.Decimal `json:"quantity"`
	Deadline      time.Time       `json:"deadline"`
}

type QuoteResponse struct {
	CorrelationID string          `json:"correlation_id"`
	UID           int64           `json:"uid,omitempty"`
	Rate          decimal.Decimal `json:"rate"`
	Expiry        time.Time       `json:"expiry"`
	Rejected      bool            `json:"rejected,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

type InvoiceSettled struct {
	PaymentHash string    `json:"payment_hash" validate:"required,hexadecimal,len=64"`
	AmountMsat  int64     `json:"amount_msat" validate:"gte=0"`
	AddIndex    int64     `json:"add_index"`
	SettledAt   time.Time `json:"settled_at"`
}

type OnchainTransactionState struct {
	TxID      string `json:"txid" validate:"required,hexadecimal,len=64"`
	Address   string `json:"address" validate:"required"`
	ValueSats int64  `json:"value_sats" validate:"gt=0"`
	Confirmed bool   `json:"confirmed"`
}

type BitcoinAddressAssigned struct {
	UID     int64  `json:"uid" validate:"required,gt=0"`
	Address string `json:"address" validate:"required,btcaddr"`
}

type GetBalances struct {
	RequestID string `json:"request_id" validate:"required"`
	UID       int64  `json:"uid" validate:"required,gt=0"`
}

type InvoiceResponse struct {
	RequestID      string          `json:"request_id"`
	UID            int64           `json:"uid"`
	PaymentRequest string          `json:"payment_request"`
	PaymentHash    string          `json:"payment_hash"`
	Currency       money.Currency  `json:"currency"`
	Amount         decimal.Decimal `json:"amount"`
	AmountMsat     int64           `json:"amount_msat"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

type RequestResult struct {
	RequestID   string          `json:"request_id"`
	UID         int64           `json:"uid"`
	Kind        Kind            `json:"kind"`
	State       string          `json:"state"`
	Reason      string          `json:"reason,omitempty"`
	Message     string          `json:"message,omitempty"`
	SummaryTxID string          `json:"summary_txid,omitempty"`
	Fees        decimal.Decimal `json:"fees"`
}

type AccountBalance struct {
	AccountID string          `json:"account_id"`
	Currency  money.Currency  `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
}

type Balances struct {
	RequestID string           `json:"request_id"`
	UID       int64            `json:"uid"`
	Accounts  []AccountBalance `json:"accounts"`
}

// BankState tells the dealer what it needs to hedge.
type BankState struct {
	Exposures map[money.Currency]decimal.Decimal `json:"exposures"`
	FeeFund   map[money.Currency]decimal.Decimal `json:"fee_fund"`
	At        time.Time                          `json:"at"`
}

type Notification struct {
	UID      int64           `json:"uid"`
	Event    string          `json:"event"`
	Currency money.Currency  `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	Message  string          `json:"message"`
}

// PayInvoice asks the bank to pay a payment request from the dealer's BTC
// account.
type PayInvoice struct {
	RequestID      string `json:"request_id" validate:"required"`
	PaymentRequest string `json:"payment_request" validate:"required,payreq"`
}

// CreateInvoiceRequest asks for an invoice that credits the dealer's BTC
// account when paid.
type CreateInvoiceRequest struct {
	RequestID  string `json:"request_id" validate:"required"`
	AmountSats int64  `json:"amount_sats" validate:"gt=0"`
}

type CreateInvoiceResponse struct {
	RequestID      string `json:"request_id"`
	PaymentRequest string `json:"payment_request,omitempty"`
	AmountSats     int64  `json:"amount_sats"`
	Reason         string `json:"reason,omitempty"`
}

type QueryRouteRequest struct {
	RequestID      string `json:"request_id" validate:"required"`
	PaymentRequest string `json:"payment_request" validate:"required"`
}

// QueryRouteResponse previews the network fee of paying a request.
type QueryRouteResponse struct {
	RequestID    string `json:"request_id"`
	TotalFeeSats int64  `json:"total_fee_sats"`
	Reason       string `json:"reason,omitempty"`
}

type GetNodeInfoRequest struct {
	RequestID string `json:"request_id" validate:"required"`
}

type NodeInfo struct {
	Pubkey  string `json:"pubkey"`
	Alias   string `json:"alias"`
	Network string `json:"network"`
	Synced  bool   `json:"synced"`
}

type GetNodeInfoResponse struct {
	RequestID          string          `json:"request_id"`
	Node               NodeInfo        `json:"node"`
	LNNetworkMaxFee    decimal.Decimal `json:"ln_network_max_fee"`
	LNNetworkFeeMargin decimal.Decimal `json:"ln_network_fee_margin"`
	ReserveRatio       decimal.Decimal `json:"reserve_ratio"`
	ExternalTxFee      decimal.Decimal `json:"external_tx_fee"`
	InternalTxFee      decimal.Decimal `json:"internal_tx_fee"`
	Reason             string          `json:"reason,omitempty"`
}

type AvailableCurrenciesRequest struct {
	RequestID string `json:"request_id" validate:"required"`
}

type AvailableCurrencies struct {
	RequestID  string           `json:"request_id"`
	Currencies []money.Currency `json:"currencies"`
	Error      string           `json:"error,omitempty"`
}

type CreateLnurlWithdrawalRequest struct {
	RequestID string          `json:"request_id" validate:"required"`
	UID       int64           `json:"uid" validate:"required,gt=0"`
	Currency  money.Currency  `json:"currency" validate:"required,currency"`
	Amount    decimal.Decimal `json:"amount" validate:"positive"`
}

type CreateLnurlWithdrawalResponse struct {
	RequestID string `json:"request_id"`
	UID       int64  `json:"uid"`
	Lnurl     string `json:"lnurl,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
}

// GetLnurlWithdrawalRequest is a wallet resolving an lnurl; RequestID is the
// k1 embedded in the callback.
type GetLnurlWithdrawalRequest struct {
	RequestID string `json:"request_id" validate:"required"`
}

type GetLnurlWithdrawalResponse struct {
	RequestID           string `json:"request_id"`
	Callback            string `json:"callback,omitempty"`
	MaxWithdrawableMsat int64  `json:"max_withdrawable_msat"`
	MinWithdrawableMsat int64  `json:"min_withdrawable_msat"`
	DefaultDescription  string `json:"default_description,omitempty"`
	Tag                 string `json:"tag,omitempty"`
	Reason              string `json:"reason,omitempty"`
}

type PayLnurlWithdrawalRequest struct {
	RequestID      string `json:"request_id" validate:"required"`
	PaymentRequest string `json:"payment_request" validate:"required,payreq"`
}

func uidKey(uid int64) string { return "uid:" + strconv.FormatInt(uid, 10) }

func (m DepositRequest) PartitionKey() string               { return uidKey(m.UID) }
func (m InvoiceRequest) PartitionKey() string               { return uidKey(m.UID) }
func (m WithdrawalRequest) PartitionKey() string            { return uidKey(m.UID) }
func (m TransferRequest) PartitionKey() string              { return uidKey(m.UID) }
func (m SwapRequest) PartitionKey() string                  { return uidKey(m.UID) }
func (m GetBalances) PartitionKey() string                  { return uidKey(m.UID) }
func (m BitcoinAddressAssigned) PartitionKey() string       { return uidKey(m.UID) }
func (m InvoiceResponse) PartitionKey() string              { return uidKey(m.UID) }
func (m RequestResult) PartitionKey() string                { return uidKey(m.UID) }
func (m Balances) PartitionKey() string                     { return uidKey(m.UID) }
func (m Notification) PartitionKey() string                 { return uidKey(m.UID) }
func (m CreateLnurlWithdrawalRequest) PartitionKey() string { return uidKey(m.UID) }
func (m QuoteRequest) PartitionKey() string                 { return "quote:" + m.CorrelationID }
func (m QuoteResponse) PartitionKey() string                { return "quote:" + m.CorrelationID }
func (m InvoiceSettled) PartitionKey() string               { return "invoice:" + m.PaymentHash }
func (m OnchainTransactionState) PartitionKey() string      { return "address:" + m.Address }
func (m PayLnurlWithdrawalRequest) PartitionKey() string    { return "lnurl:" + m.RequestID }
