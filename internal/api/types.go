package api

import (
	"time"

	"awgctl/internal/model"
)

// PrincipalHeader carries the administrator identity on every request.
const PrincipalHeader = "X-Admin-Principal"

// CreatePeerRequest registers a new peer.
type CreatePeerRequest struct {
	Name string `json:"name"`
}

// Peer is a registered peer with its live session state.
type Peer struct {
	Name            string    `json:"name"`
	PublicKey       string    `json:"public_key"`
	Address         string    `json:"address"`
	CreatedAt       time.Time `json:"created_at"`
	Enabled         bool      `json:"enabled"`
	Online          bool      `json:"online"`
	LatestHandshake time.Time `json:"latest_handshake,omitempty"`
	Received        uint64    `json:"received"`
	Sent            uint64    `json:"sent"`
}

// CreatePeerResponse is returned exactly once per peer. Config holds the
// peer's private key.
type CreatePeerResponse struct {
	Peer    model.PeerRecord `json:"peer"`
	Config  string           `json:"config"`
	Payload string           `json:"payload"`
}

// ListPeersResponse lists peers in creation order.
type ListPeersResponse struct {
	Peers []Peer `json:"peers"`
}

// StatsResponse holds stored samples for one peer.
type StatsResponse struct {
	Peer    string             `json:"peer"`
	Since   time.Time          `json:"since"`
	Samples []model.StatSample `json:"samples"`
}

// PeerTotal is traffic attributed to one peer over a window.
type PeerTotal struct {
	Name      string `json:"name,omitempty"`
	PublicKey string `json:"public_key"`
	Received  uint64 `json:"received"`
	Sent      uint64 `json:"sent"`
	Samples   int    `json:"samples"`
}

// TotalsResponse is ordered by total traffic, busiest first.
type TotalsResponse struct {
	Since  time.Time   `json:"since"`
	Totals []PeerTotal `json:"totals"`
}

// StatusResponse describes the managed interface.
type StatusResponse struct {
	Interface    string    `json:"interface"`
	State        string    `json:"state"`
	Healthy      bool      `json:"healthy"`
	Peers        int       `json:"peers"`
	PoolUsed     int       `json:"pool_used"`
	PoolCapacity int       `json:"pool_capacity"`
	LastTick     time.Time `json:"last_tick,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}
