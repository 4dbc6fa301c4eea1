// Package offline implements the terminal's offline-first transaction queue:
// capture, store-and-forward payment authorization, connectivity monitoring,
// ordered synchronization and conflict resolution.
package offline

import (
	"context"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/pos_terminal/models"
)

// ServerStore is the central system's persistence surface. Implementations
// must be idempotent keyed by offlineId: the same offlineId must never commit
// two server records, regardless of how many times sync retries it.
type ServerStore interface {
	// CreateIfAbsent creates the record and returns created=true, or returns
	// created=false with the existing record's serverId.
	CreateIfAbsent(ctx context.Context, kind models.TransactionKind, offlineId string, payload []byte) (created bool, serverId string, err error)

	// Overwrite force-replaces server state for offlineId. Used only by
	// keep_local conflict resolutions.
	Overwrite(ctx context.Context, kind models.TransactionKind, offlineId string, payload []byte) (serverId string, err error)
}

// CardDetails is the decrypted card data passed to the gateway at sync time.
// Never persisted; callers zero the backing PAN bytes after use.
type CardDetails struct {
	Number   string `json:"number"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
	CVV      string `json:"cvv"`
	Holder   string `json:"holder,omitempty"`
}

// GatewayResult distinguishes a decline (business outcome) from a transport
// failure (the gateway call returns an error instead).
type GatewayResult struct {
	Approved      bool   `json:"approved"`
	AuthCode      string `json:"auth_code,omitempty"`
	DeclineReason string `json:"decline_reason,omitempty"`
}

// PaymentGateway is the real acquirer, invoked only during sync, never on the
// capture path.
type PaymentGateway interface {
	Authorize(ctx context.Context, card CardDetails, amount decimal.Decimal) (GatewayResult, error)
}

// Cipher protects card data at rest in the queue. Encrypt runs at capture
// time, Decrypt only inside the sync engine immediately before a gateway call.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Probe checks one dependency. A nil error means reachable; implementations
// must respect ctx deadlines (the monitor gives each probe its own).
type Probe func(ctx context.Context) error
