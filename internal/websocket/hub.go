package websocket

import (
	"encoding/json"
	"sync"

	"lnbank/internal/money"

	"github.com/shopspring/decimal"
)

type BalanceUpdate struct {
	AccountID string          `json:"account_id"`
	Currency  money.Currency  `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
}

// Hub fans balance updates out to every open connection of a user.
type Hub struct {
	mu      sync.RWMutex
	clients map[int64]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[int64]map[*Client]struct{}),
	}
}

func (h *Hub) Register(uid int64, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[uid] == nil {
		h.clients[uid] = make(map[*Client]struct{})
	}
	h.clients[uid][client] = struct{}{}
}

func (h *Hub) Unregister(uid int64, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[uid] == nil {
		return
	}
	if _, ok := h.clients[uid][client]; !ok {
		return
	}
	delete(h.clients[uid], client)
	close(client.send)
	if len(h.clients[uid]) == 0 {
		delete(h.clients, uid)
	}
}

func (h *Hub) Connections(uid int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[uid])
}

// BroadcastBalance drops the update for a client whose buffer is full.
func (h *Hub) BroadcastBalance(uid int64, update BalanceUpdate) {
	payload, err := json.Marshal(update)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[uid] {
		select {
		case client.send <- payload:
		default:
		}
	}
}
