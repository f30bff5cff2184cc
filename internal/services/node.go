package services

import (
	"context"

	"lnbank/internal/money"
	"lnbank/internal/transport"

	"go.uber.org/zap"
)

// QueryRoute previews the network fee of paying a request. When the node
// cannot price a route the fee margin is quoted instead.
func (p *Processor) QueryRoute(ctx context.Context, req transport.QueryRouteRequest) transport.QueryRouteResponse {
	resp := transport.QueryRouteResponse{RequestID: req.RequestID}
	pr, err := p.node.DecodePayReq(ctx, req.PaymentRequest)
	if err != nil || pr.AmountMsat <= 0 {
		resp.Reason = ReasonNoRouteFound
		return resp
	}
	fee, err := p.node.QueryRouteFee(ctx, pr.Destination, pr.AmountMsat)
	if err != nil {
		p.logger.Debug("route fee unavailable, quoting margin", zap.String("payment_hash", pr.PaymentHash), zap.Error(err))
		resp.TotalFeeSats = money.ToSats(money.FromMsat(pr.AmountMsat).Mul(p.policy.LNNetworkFeeMargin))
		return resp
	}
	resp.TotalFeeSats = money.ToSats(money.FromMsat(fee))
	return resp
}

// NodeInfo reports the node's identity along with the fee schedule. An
// unreachable node yields an empty identity rather than an error.
func (p *Processor) NodeInfo(ctx context.Context, req transport.GetNodeInfoRequest) transport.GetNodeInfoResponse {
	resp := transport.GetNodeInfoResponse{
		RequestID:          req.RequestID,
		LNNetworkMaxFee:    p.policy.LNNetworkMaxFee,
		LNNetworkFeeMargin: p.policy.LNNetworkFeeMargin,
		ReserveRatio:       p.policy.ReserveRatio,
		ExternalTxFee:      p.policy.ExternalTxFee,
		InternalTxFee:      p.policy.InternalTxFee,
	}
	info, err := p.node.GetInfo(ctx)
	if err != nil {
		p.logger.Warn("node info unavailable", zap.Error(err))
		resp.Reason = ReasonCode(err)
		return resp
	}
	resp.Node = transport.NodeInfo{Pubkey: info.Pubkey, Alias: info.Alias, Network: info.Network, Synced: info.Synced}
	return resp
}
