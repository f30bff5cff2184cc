package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

var ErrClosed = errors.New("transport closed")

// Channel names a point-to-point link between the bank and a peer.
type Channel string

const (
	ChannelBank   Channel = "bank"
	ChannelAPI    Channel = "api"
	ChannelDealer Channel = "dealer"
	ChannelNostr  Channel = "nostr"
)

type Kind string

const (
	KindDepositRequest          Kind = "DepositRequest"
	KindInvoiceRequest          Kind = "InvoiceRequest"
	KindWithdrawalRequest       Kind = "WithdrawalRequest"
	KindTransferRequest         Kind = "TransferRequest"
	KindSwapRequest             Kind = "SwapRequest"
	KindQuoteRequest            Kind = "QuoteRequest"
	KindQuoteResponse           Kind = "QuoteResponse"
	KindInvoiceSettled          Kind = "InvoiceSettled"
	KindOnchainTransactionState Kind = "OnchainTransactionState"
	KindBitcoinAddressAssigned  Kind = "BitcoinAddressAssigned"
	KindGetBalances             Kind = "GetBalances"
	KindInvoiceResponse         Kind = "InvoiceResponse"
	KindRequestResult           Kind = "RequestResult"
	KindBalances                Kind = "Balances"
	KindBankState               Kind = "BankState"
	KindNotification            Kind = "Notification"

	KindPayInvoice                    Kind = "PayInvoice"
	KindCreateInvoiceRequest          Kind = "CreateInvoiceRequest"
	KindCreateInvoiceResponse         Kind = "CreateInvoiceResponse"
	KindQueryRouteRequest             Kind = "QueryRouteRequest"
	KindQueryRouteResponse            Kind = "QueryRouteResponse"
	KindGetNodeInfoRequest            Kind = "GetNodeInfoRequest"
	KindGetNodeInfoResponse           Kind = "GetNodeInfoResponse"
	KindAvailableCurrenciesRequest    Kind = "AvailableCurrenciesRequest"
	KindAvailableCurrencies           Kind = "AvailableCurrencies"
	KindCreateLnurlWithdrawalRequest  Kind = "CreateLnurlWithdrawalRequest"
	KindCreateLnurlWithdrawalResponse Kind = "CreateLnurlWithdrawalResponse"
	KindGetLnurlWithdrawalRequest     Kind = "GetLnurlWithdrawalRequest"
	KindGetLnurlWithdrawalResponse    Kind = "GetLnurlWithdrawalResponse"
	KindPayLnurlWithdrawalRequest     Kind = "PayLnurlWithdrawalRequest"
)

// Envelope is the tagged union carried on every channel. Key groups
// envelopes that must stay ordered on a partitioned broker.
type Envelope struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	Key     string          `json:"key,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
	Payload json.RawMessage `json:"payload"`
}

// Keyed is implemented by payloads that belong to one account or entity.
type Keyed interface {
	PartitionKey() string
}

func NewEnvelope(kind Kind, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", kind, err)
	}
	env := Envelope{
		ID:      ulid.Make().String(),
		Kind:    kind,
		SentAt:  time.Now().UTC(),
		Payload: raw,
	}
	if k, ok := payload.(Keyed); ok {
		env.Key = k.PartitionKey()
	}
	return env, nil
}

// PartitionKey is the broker key for e: its Key, or its ID for envelopes
// that carry no ordering requirement.
func (e Envelope) PartitionKey() string {
	if e.Key != "" {
		return e.Key
	}
	return e.ID
}

func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Kind, err)
	}
	return nil
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Kind == "" {
		return Envelope{}, errors.New("envelope without kind")
	}
	return env, nil
}

// Handler processes one envelope. A nil return accepts the envelope, which is
// acknowledged to the broker once ack is called; ack may be called later and
// from another goroutine. An error leaves the envelope unacknowledged so it
// is delivered again.
type Handler func(ctx context.Context, env Envelope, ack func()) error

type Publisher interface {
	Publish(ctx context.Context, ch Channel, env Envelope) error
}

type Bus interface {
	Publisher
	// Consume delivers envelopes from ch to h until ctx is done. A handler
	// error leaves the envelope unacknowledged.
	Consume(ctx context.Context, ch Channel, h Handler) error
	Close() error
}

// Send wraps payload in a fresh envelope and publishes it.
func Send(ctx context.Context, p Publisher, ch Channel, kind Kind, payload any) (Envelope, error) {
	env, err := NewEnvelope(kind, payload)
	if err != nil {
		return Envelope{}, err
	}
	return env, p.Publish(ctx, ch, env)
}
