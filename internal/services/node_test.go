package services

import (
	"context"
	"errors"
	"testing"

	"lnbank/internal/lightning"
	"lnbank/internal/lightning/lightningtest"
	"lnbank/internal/transport"
)

func TestQueryRouteReportsNodeFee(t *testing.T) {
	h := newHarness(t)
	pr, _ := h.externalPayReq(500_000)
	h.node.RouteFee = 3000

	resp := h.p.QueryRoute(context.Background(), transport.QueryRouteRequest{RequestID: "q-1", PaymentRequest: pr})
	if resp.Reason != "" || resp.TotalFeeSats != 3 || resp.RequestID != "q-1" {
		t.Fatalf("unexpected response %#v", resp)
	}
}

func TestQueryRouteFallsBackToMargin(t *testing.T) {
	h := newHarness(t)
	pr, _ := h.externalPayReq(50_000_000)
	h.node.RouteErr = errors.New("no path")

	resp := h.p.QueryRoute(context.Background(), transport.QueryRouteRequest{RequestID: "q-1", PaymentRequest: pr})
	if resp.Reason != "" || resp.TotalFeeSats != 500 {
		t.Fatalf("expected the 1%% margin, got %#v", resp)
	}
}

func TestQueryRouteUnknownRequest(t *testing.T) {
	h := newHarness(t)
	resp := h.p.QueryRoute(context.Background(), transport.QueryRouteRequest{RequestID: "q-1", PaymentRequest: "lnbcrt-garbage"})
	if resp.Reason != ReasonNoRouteFound {
		t.Fatalf("expected %s, got %#v", ReasonNoRouteFound, resp)
	}
}

type downNode struct {
	*lightningtest.Node
}

func (downNode) GetInfo(context.Context) (lightning.Info, error) {
	return lightning.Info{}, lightning.ErrConnector
}

func TestNodeInfoCarriesFeeSchedule(t *testing.T) {
	h := newHarness(t)
	resp := h.p.NodeInfo(context.Background(), transport.GetNodeInfoRequest{RequestID: "n-1"})
	if resp.Reason != "" || resp.Node.Alias != "stub" || !resp.Node.Synced {
		t.Fatalf("unexpected response %#v", resp)
	}
	if !resp.ExternalTxFee.Equal(dec("0.001")) || !resp.LNNetworkMaxFee.Equal(dec("0.05")) || !resp.ReserveRatio.Equal(dec("0.2")) {
		t.Fatalf("unexpected fee schedule %#v", resp)
	}
}

func TestNodeInfoWhenNodeIsDown(t *testing.T) {
	h := newHarness(t, func(d *Deps, _ *Policy) { d.Node = downNode{lightningtest.NewNode(dec("1"))} })
	resp := h.p.NodeInfo(context.Background(), transport.GetNodeInfoRequest{RequestID: "n-1"})
	if resp.Reason != ReasonConnector || resp.Node.Alias != "" {
		t.Fatalf("unexpected response %#v", resp)
	}
	if !resp.InternalTxFee.Equal(dec("0.001")) {
		t.Fatalf("expected the fee schedule even without the node, got %#v", resp)
	}
}
