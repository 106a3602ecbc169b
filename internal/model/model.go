package model

import "time"

// PeerRecord is a registered peer. The private key is never part of it.
type PeerRecord struct {
	Name      string    `yaml:"name" json:"name"`
	PublicKey string    `yaml:"public_key" json:"public_key"`
	Address   string    `yaml:"address" json:"address"` // host/32
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	Enabled   bool      `yaml:"enabled" json:"enabled"`
}

// Counters are the live values reported by the data plane for one peer.
type Counters struct {
	Received        uint64
	Sent            uint64
	LatestHandshake time.Time
	Endpoint        string
}

// StatSample is one persisted observation. Rx/Tx are cumulative as read;
// the deltas are relative to the previous sample in the same epoch.
type StatSample struct {
	PublicKey string    `json:"public_key"`
	Timestamp time.Time `json:"timestamp"`
	Seq       int64     `json:"seq"`
	Epoch     int       `json:"epoch"`
	RxBytes   uint64    `json:"rx_bytes"`
	TxBytes   uint64    `json:"tx_bytes"`
	RxDelta   uint64    `json:"rx_delta"`
	TxDelta   uint64    `json:"tx_delta"`
}

// AuditEntry records one administrative action, accepted or rejected.
type AuditEntry struct {
	ID        string    `json:"id"`
	Principal string    `json:"principal"`
	Action    string    `json:"action"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Audit outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeError       = "error"
	OutcomeDenied      = "denied"
	OutcomeRateLimited = "rate_limited"
)
