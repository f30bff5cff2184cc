package websocket

import (
	"encoding/json"
	"testing"

	"lnbank/internal/money"

	"github.com/shopspring/decimal"
)

func TestHubBroadcastsToUserOnly(t *testing.T) {
	hub := NewHub()
	alice := NewClient(nil)
	bob := NewClient(nil)
	hub.Register(1, alice)
	hub.Register(2, bob)

	hub.BroadcastBalance(1, BalanceUpdate{AccountID: "acc-1", Currency: money.BTC, Balance: decimal.RequireFromString("0.00001")})

	select {
	case payload := <-alice.send:
		var got BalanceUpdate
		if err := json.Unmarshal(payload, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.AccountID != "acc-1" || !got.Balance.Equal(decimal.RequireFromString("0.00001")) {
			t.Fatalf("unexpected update %+v", got)
		}
	default:
		t.Fatalf("expected an update for uid 1")
	}
	select {
	case <-bob.send:
		t.Fatalf("uid 2 must not receive uid 1 updates")
	default:
	}
}

func TestHubUnregisterClosesClient(t *testing.T) {
	hub := NewHub()
	c := NewClient(nil)
	hub.Register(7, c)
	hub.Unregister(7, c)
	hub.Unregister(7, c)
	if _, ok := <-c.send; ok {
		t.Fatalf("expected send channel to be closed")
	}
	if hub.Connections(7) != 0 {
		t.Fatalf("expected no connections")
	}
	hub.BroadcastBalance(7, BalanceUpdate{})
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	hub := NewHub()
	c := NewClient(nil)
	hub.Register(3, c)
	for i := 0; i < cap(c.send)+5; i++ {
		hub.BroadcastBalance(3, BalanceUpdate{Currency: money.USD})
	}
	if len(c.send) != cap(c.send) {
		t.Fatalf("expected a full buffer, got %d", len(c.send))
	}
}
