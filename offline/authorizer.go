package offline

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/pos_terminal/models"
	"bitbucket.org/mmdatafocus/pos_terminal/utils"
)

// Authorizer accepts card payments with no network access: deterministic
// local validation, a per-network floor limit, and a locally issued
// authorization code so the receipt prints immediately. The real gateway sees
// the payment only at sync time.
type Authorizer struct {
	cipher Cipher
	limits map[models.CardNetwork]decimal.Decimal
}

func NewAuthorizer(cipher Cipher) *Authorizer {
	return &Authorizer{
		cipher: cipher,
		limits: floorLimits(),
	}
}

// Default floor limits, overridable per network via POS_FLOOR_LIMIT_<NETWORK>.
func floorLimits() map[models.CardNetwork]decimal.Decimal {
	limits := map[models.CardNetwork]decimal.Decimal{
		models.CardNetworkVisa:       decimal.NewFromInt(100),
		models.CardNetworkMastercard: decimal.NewFromInt(100),
		models.CardNetworkAmex:       decimal.NewFromInt(150),
		models.CardNetworkDiscover:   decimal.NewFromInt(75),
		models.CardNetworkUnknown:    decimal.NewFromInt(50),
	}
	for network := range limits {
		env := "POS_FLOOR_LIMIT_" + strings.ToUpper(string(network))
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			if d, err := decimal.NewFromString(v); err == nil && d.IsPositive() {
				limits[network] = d
			}
		}
	}
	return limits
}

func luhn(num string) bool {
	sum, alt := 0, false
	for i := len(num) - 1; i >= 0; i-- {
		c := int(num[i] - '0')
		if c < 0 || c > 9 {
			return false
		}
		if alt {
			c *= 2
			if c > 9 {
				c -= 9
			}
		}
		sum += c
		alt = !alt
	}
	return sum%10 == 0
}

// DetectNetwork classifies a PAN by its prefix.
func DetectNetwork(pan string) models.CardNetwork {
	switch {
	case strings.HasPrefix(pan, "4"):
		return models.CardNetworkVisa
	case len(pan) >= 2 && pan[0] == '5' && pan[1] >= '1' && pan[1] <= '5':
		return models.CardNetworkMastercard
	case strings.HasPrefix(pan, "34") || strings.HasPrefix(pan, "37"):
		return models.CardNetworkAmex
	case strings.HasPrefix(pan, "6011"):
		return models.CardNetworkDiscover
	default:
		return models.CardNetworkUnknown
	}
}

// FloorLimit returns the configured floor limit for a network.
func (a *Authorizer) FloorLimit(network models.CardNetwork) decimal.Decimal {
	if limit, ok := a.limits[network]; ok {
		return limit
	}
	return a.limits[models.CardNetworkUnknown]
}

func validateCard(card CardDetails) error {
	pan := strings.ReplaceAll(strings.TrimSpace(card.Number), " ", "")
	if len(pan) < 13 || len(pan) > 19 {
		return fmt.Errorf("%w: card number length out of range", utils.ErrorValidation)
	}
	if !luhn(pan) {
		return fmt.Errorf("%w: card number failed checksum", utils.ErrorValidation)
	}
	if card.ExpMonth < 1 || card.ExpMonth > 12 {
		return fmt.Errorf("%w: invalid expiry month", utils.ErrorValidation)
	}
	year := card.ExpYear
	if year < 100 {
		year += 2000
	}
	// The card is valid through the last day of its expiry month.
	expiry := time.Date(year, time.Month(card.ExpMonth)+1, 1, 0, 0, 0, 0, time.UTC)
	if !expiry.After(time.Now().UTC()) {
		return fmt.Errorf("%w: card expired", utils.ErrorValidation)
	}
	if len(card.CVV) < 3 || len(card.CVV) > 4 {
		return fmt.Errorf("%w: invalid cvv", utils.ErrorValidation)
	}
	return nil
}

// Authorize validates the card locally and returns the store-and-forward
// authorization to embed in the payment payload. It performs no network I/O:
// a validation failure is a deterministic decline at capture, and an
// authorization here is a local acceptance, not a guarantee of funds.
//
// The full card payload is encrypted before it leaves this function; only the
// last four digits survive in clear.
func (a *Authorizer) Authorize(terminalId string, card CardDetails, amount decimal.Decimal) (*models.CardAuthorization, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", utils.ErrorValidation)
	}
	if err := validateCard(card); err != nil {
		return nil, err
	}

	pan := strings.ReplaceAll(strings.TrimSpace(card.Number), " ", "")
	card.Number = pan
	network := DetectNetwork(pan)
	limit := a.FloorLimit(network)

	cardJSON, err := json.Marshal(card)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrorValidation, err)
	}
	blob, err := a.cipher.Encrypt(cardJSON)
	Zero(cardJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: card encryption failed: %v", utils.ErrorCapture, err)
	}

	code, err := offlineAuthCode(terminalId)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrorCapture, err)
	}

	return &models.CardAuthorization{
		Network:                  network,
		LastFour:                 pan[len(pan)-4:],
		CardBlobEnc:              blob,
		OfflineAuthorizationCode: code,
		RequiresVoiceAuth:        amount.GreaterThan(limit),
		FloorLimit:               limit,
	}, nil
}

func offlineAuthCode(terminalId string) (string, error) {
	raw := make([]byte, 4)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return fmt.Sprintf("OFFLINE-%s-%s", terminalId, strings.ToUpper(hex.EncodeToString(raw))), nil
}
