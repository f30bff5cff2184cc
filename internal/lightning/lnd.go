package lightning

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"lnbank/internal/money"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
	"gopkg.in/macaroon.v2"
)

type LNDConfig struct {
	Host         string
	TLSCertPath  string
	MacaroonPath string
}

// LND talks to an lnd node over gRPC, authenticated with a macaroon.
type LND struct {
	conn   *grpc.ClientConn
	ln     lnrpc.LightningClient
	router routerrpc.RouterClient
}

func DialLND(cfg LNDConfig) (*LND, error) {
	creds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("load lnd tls cert: %w", err)
	}
	raw, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("read lnd macaroon: %w", err)
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("decode lnd macaroon: %w", err)
	}
	macCreds, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, fmt.Errorf("lnd macaroon credential: %w", err)
	}
	conn, err := grpc.NewClient(cfg.Host,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macCreds),
	)
	if err != nil {
		return nil, fmt.Errorf("dial lnd: %w", err)
	}
	return NewLND(conn), nil
}

func NewLND(conn *grpc.ClientConn) *LND {
	return &LND{
		conn:   conn,
		ln:     lnrpc.NewLightningClient(conn),
		router: routerrpc.NewRouterClient(conn),
	}
}

func (l *LND) Close() error {
	return l.conn.Close()
}

func connectorErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrConnector, op, err)
}

func (l *LND) GetInfo(ctx context.Context) (Info, error) {
	resp, err := l.ln.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return Info{}, connectorErr("get info", err)
	}
	info := Info{Pubkey: resp.IdentityPubkey, Alias: resp.Alias, Synced: resp.SyncedToChain}
	if len(resp.Chains) > 0 {
		info.Network = resp.Chains[0].Network
	}
	return info, nil
}

func (l *LND) ChannelBalance(ctx context.Context) (decimal.Decimal, error) {
	resp, err := l.ln.ChannelBalance(ctx, &lnrpc.ChannelBalanceRequest{})
	if err != nil {
		return decimal.Zero, connectorErr("channel balance", err)
	}
	if resp.LocalBalance == nil {
		return decimal.Zero, nil
	}
	return money.FromMsat(int64(resp.LocalBalance.Msat)), nil
}

func (l *LND) AddInvoice(ctx context.Context, amountMsat int64, memo string, expiry time.Duration) (CreatedInvoice, error) {
	resp, err := l.ln.AddInvoice(ctx, &lnrpc.Invoice{
		Memo:      memo,
		ValueMsat: amountMsat,
		Expiry:    int64(expiry / time.Second),
	})
	if err != nil {
		return CreatedInvoice{}, connectorErr("add invoice", err)
	}
	return CreatedInvoice{
		PaymentRequest: resp.PaymentRequest,
		PaymentHash:    hex.EncodeToString(resp.RHash),
		AddIndex:       int64(resp.AddIndex),
	}, nil
}

func (l *LND) DecodePayReq(ctx context.Context, payReq string) (PayReq, error) {
	resp, err := l.ln.DecodePayReq(ctx, &lnrpc.PayReqString{PayReq: payReq})
	if err != nil {
		if status.Code(err) == codes.Unknown || status.Code(err) == codes.InvalidArgument {
			return PayReq{}, fmt.Errorf("%w: %v", ErrInvalidPayReq, err)
		}
		return PayReq{}, connectorErr("decode payment request", err)
	}
	return PayReq{
		Destination: resp.Destination,
		PaymentHash: resp.PaymentHash,
		AmountMsat:  resp.NumMsat,
		Timestamp:   time.Unix(resp.Timestamp, 0).UTC(),
		Expiry:      time.Duration(resp.Expiry) * time.Second,
		Description: resp.Description,
	}, nil
}

func (l *LND) QueryRouteFee(ctx context.Context, dest string, amountMsat int64) (int64, error) {
	resp, err := l.ln.QueryRoutes(ctx, &lnrpc.QueryRoutesRequest{
		PubKey:  dest,
		AmtMsat: amountMsat,
	})
	if err != nil {
		return 0, connectorErr("query routes", err)
	}
	if len(resp.Routes) == 0 {
		return 0, connectorErr("query routes", errors.New("no route"))
	}
	best := resp.Routes[0].TotalFeesMsat
	for _, r := range resp.Routes[1:] {
		if r.TotalFeesMsat < best {
			best = r.TotalFeesMsat
		}
	}
	return best, nil
}

// SendPayment dispatches through the router and waits for a final update.
// Once the request has been handed to the node any stream failure is
// reported as ErrUnknownOutcome.
func (l *LND) SendPayment(ctx context.Context, payReq string, feeLimitMsat int64, timeout time.Duration) (Payment, error) {
	stream, err := l.router.SendPaymentV2(ctx, &routerrpc.SendPaymentRequest{
		PaymentRequest:    payReq,
		FeeLimitMsat:      feeLimitMsat,
		TimeoutSeconds:    int32(timeout / time.Second),
		NoInflightUpdates: true,
	})
	if err != nil {
		return Payment{}, connectorErr("send payment", err)
	}
	for {
		p, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errors.New("stream closed before final state")
			}
			return Payment{Status: PaymentUnknown}, fmt.Errorf("%w: %v", ErrUnknownOutcome, err)
		}
		out := paymentFromRPC(p)
		if out.Status.Terminal() {
			return out, nil
		}
	}
}

// LookupPayment reports the node's current view of a payment.
func (l *LND) LookupPayment(ctx context.Context, paymentHash string) (Payment, error) {
	hash, err := hex.DecodeString(paymentHash)
	if err != nil {
		return Payment{}, fmt.Errorf("payment hash: %w", err)
	}
	stream, err := l.router.TrackPaymentV2(ctx, &routerrpc.TrackPaymentRequest{PaymentHash: hash})
	if err != nil {
		return Payment{}, connectorErr("track payment", err)
	}
	p, err := stream.Recv()
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return Payment{}, ErrPaymentNotFound
		}
		return Payment{}, connectorErr("track payment", err)
	}
	return paymentFromRPC(p), nil
}

func paymentFromRPC(p *lnrpc.Payment) Payment {
	out := Payment{
		PaymentHash: p.PaymentHash,
		FeeMsat:     p.FeeMsat,
		Preimage:    p.PaymentPreimage,
	}
	switch p.Status {
	case lnrpc.Payment_SUCCEEDED:
		out.Status = PaymentSucceeded
	case lnrpc.Payment_FAILED:
		out.Status = PaymentFailed
		out.FailureReason = p.FailureReason.String()
	case lnrpc.Payment_IN_FLIGHT, lnrpc.Payment_INITIATED:
		out.Status = PaymentInFlight
	default:
		out.Status = PaymentUnknown
	}
	return out
}

func (l *LND) SubscribeInvoices(ctx context.Context, addIndex int64) (<-chan InvoiceUpdate, <-chan error, error) {
	stream, err := l.ln.SubscribeInvoices(ctx, &lnrpc.InvoiceSubscription{AddIndex: uint64(addIndex)})
	if err != nil {
		return nil, nil, connectorErr("subscribe invoices", err)
	}
	updates := make(chan InvoiceUpdate)
	errs := make(chan error, 1)
	go func() {
		defer close(updates)
		defer close(errs)
		for {
			inv, err := stream.Recv()
			if err != nil {
				errs <- err
				return
			}
			u := InvoiceUpdate{
				PaymentHash:    hex.EncodeToString(inv.RHash),
				AmountPaidMsat: inv.AmtPaidMsat,
				AddIndex:       int64(inv.AddIndex),
			}
			switch inv.State {
			case lnrpc.Invoice_SETTLED:
				u.State = InvoiceSettled
				u.SettledAt = time.Unix(inv.SettleDate, 0).UTC()
			case lnrpc.Invoice_CANCELED:
				u.State = InvoiceCanceled
			case lnrpc.Invoice_ACCEPTED:
				u.State = InvoiceAccepted
			default:
				u.State = InvoiceOpen
			}
			select {
			case updates <- u:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return updates, errs, nil
}
