package models

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type OrderLine struct {
	ProductId string          `json:"product_id" binding:"required"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity" binding:"required,gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Modifiers []string        `json:"modifiers,omitempty"`
}

type OrderPayload struct {
	OrderNumber string          `json:"order_number" binding:"required"`
	TableNumber string          `json:"table_number,omitempty"`
	Lines       []OrderLine     `json:"lines" binding:"required,min=1,dive"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	PlacedAt    time.Time       `json:"placed_at"`
}

// CardAuthorization is the store-and-forward authorization embedded in a
// payment payload. CardBlobEnc is AEAD ciphertext; the PAN never appears in
// clear anywhere in the queue.
type CardAuthorization struct {
	Network                  CardNetwork     `json:"network"`
	LastFour                 string          `json:"last_four"`
	CardBlobEnc              []byte          `json:"card_blob_enc"`
	OfflineAuthorizationCode string          `json:"offline_authorization_code"`
	RequiresVoiceAuth        bool            `json:"requires_voice_auth"`
	VoiceAuthCode            string          `json:"voice_auth_code,omitempty"`
	FloorLimit               decimal.Decimal `json:"floor_limit"`
}

type PaymentPayload struct {
	OrderOfflineId string          `json:"order_offline_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Method         string          `json:"method" binding:"required"`
	TipAmount      decimal.Decimal `json:"tip_amount"`
	// Card is nil for cash and other non-card methods.
	Card *CardAuthorization `json:"card,omitempty"`
}

// StoreAndForward reports whether the payment still needs a real gateway
// authorization at sync time.
func (p PaymentPayload) StoreAndForward() bool {
	return p.Card != nil && len(p.Card.CardBlobEnc) > 0
}

type VoidPayload struct {
	TargetOfflineId string `json:"target_offline_id" binding:"required"`
	Reason          string `json:"reason" binding:"required"`
	ApprovedBy      string `json:"approved_by"`
}

type RefundPayload struct {
	PaymentOfflineId string          `json:"payment_offline_id" binding:"required"`
	Amount           decimal.Decimal `json:"amount"`
	Reason           string          `json:"reason"`
}

type StockDelta struct {
	ProductId string          `json:"product_id" binding:"required"`
	Delta     decimal.Decimal `json:"delta"`
	Reason    string          `json:"reason"`
}

type InventoryAdjustmentPayload struct {
	Deltas     []StockDelta `json:"deltas" binding:"required,min=1,dive"`
	AdjustedBy string       `json:"adjusted_by"`
	Note       string       `json:"note,omitempty"`
}

type TimecardPayload struct {
	StaffId   string    `json:"staff_id" binding:"required"`
	Action    string    `json:"action" binding:"required,oneof=clock_in clock_out break_start break_end"`
	Timestamp time.Time `json:"timestamp"`
}

type CashDrawerPayload struct {
	Action   string          `json:"action" binding:"required,oneof=open close paid_in paid_out"`
	Amount   decimal.Decimal `json:"amount"`
	Reason   string          `json:"reason,omitempty"`
	DrawerId string          `json:"drawer_id"`
}

// DecodePayload decodes the stored JSON column into the typed payload for a
// kind. The switch is exhaustive over TransactionKind so adding a kind without
// a payload type fails loudly.
func DecodePayload(kind TransactionKind, raw []byte) (any, error) {
	switch kind {
	case TransactionKindOrder:
		var p OrderPayload
		return &p, json.Unmarshal(raw, &p)
	case TransactionKindPayment:
		var p PaymentPayload
		return &p, json.Unmarshal(raw, &p)
	case TransactionKindVoid:
		var p VoidPayload
		return &p, json.Unmarshal(raw, &p)
	case TransactionKindRefund:
		var p RefundPayload
		return &p, json.Unmarshal(raw, &p)
	case TransactionKindInventoryAdjustment:
		var p InventoryAdjustmentPayload
		return &p, json.Unmarshal(raw, &p)
	case TransactionKindTimecard:
		var p TimecardPayload
		return &p, json.Unmarshal(raw, &p)
	case TransactionKindCashDrawer:
		var p CashDrawerPayload
		return &p, json.Unmarshal(raw, &p)
	default:
		return nil, ErrInvalidTransactionKind
	}
}

var ErrEmptyPayload = errors.New("empty payload")
