package offline

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/pos_terminal/models"
	"bitbucket.org/mmdatafocus/pos_terminal/utils"
)

func testCipher(t *testing.T) *ChaChaCipher {
	t.Helper()
	cipher, err := NewChaChaCipher(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	return cipher
}

func futureCard(number string) CardDetails {
	exp := time.Now().UTC().AddDate(2, 0, 0)
	return CardDetails{
		Number:   number,
		ExpMonth: int(exp.Month()),
		ExpYear:  exp.Year(),
		CVV:      "123",
		Holder:   "A CUSTOMER",
	}
}

func TestDetectNetwork(t *testing.T) {
	cases := []struct {
		pan  string
		want models.CardNetwork
	}{
		{"4111111111111111", models.CardNetworkVisa},
		{"5555555555554444", models.CardNetworkMastercard},
		{"5105105105105100", models.CardNetworkMastercard},
		{"378282246310005", models.CardNetworkAmex},
		{"341111111111111", models.CardNetworkAmex},
		{"6011111111111117", models.CardNetworkDiscover},
		{"3566002020360505", models.CardNetworkUnknown},
	}
	for _, tc := range cases {
		if got := DetectNetwork(tc.pan); got != tc.want {
			t.Errorf("DetectNetwork(%s) = %s, want %s", tc.pan, got, tc.want)
		}
	}
}

func TestAuthorizeValidCardUnderFloor(t *testing.T) {
	auth := NewAuthorizer(testCipher(t))

	// Spaces in the PAN are tolerated at entry.
	card := futureCard("4111 1111 1111 1111")
	result, err := auth.Authorize("terminal-1", card, decimal.NewFromFloat(12.50))
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if result.Network != models.CardNetworkVisa {
		t.Fatalf("network = %s, want visa", result.Network)
	}
	if result.LastFour != "1111" {
		t.Fatalf("last four = %s", result.LastFour)
	}
	if result.RequiresVoiceAuth {
		t.Fatalf("12.50 is under the visa floor, must not need voice auth")
	}
	if !strings.HasPrefix(result.OfflineAuthorizationCode, "OFFLINE-terminal-1-") {
		t.Fatalf("unexpected auth code %q", result.OfflineAuthorizationCode)
	}
	if len(result.CardBlobEnc) == 0 {
		t.Fatalf("card blob must be populated")
	}
	if bytes.Contains(result.CardBlobEnc, []byte("4111111111111111")) {
		t.Fatalf("PAN leaked into the encrypted blob")
	}

	// The sync engine must be able to recover the full card from the blob.
	plain, err := testCipher(t).Decrypt(result.CardBlobEnc)
	if err != nil {
		t.Fatalf("decrypt blob: %v", err)
	}
	var recovered CardDetails
	if err := json.Unmarshal(plain, &recovered); err != nil {
		t.Fatalf("decode blob: %v", err)
	}
	if recovered.Number != "4111111111111111" {
		t.Fatalf("recovered PAN = %q", recovered.Number)
	}
}

func TestAuthorizeRejectsBadCards(t *testing.T) {
	auth := NewAuthorizer(testCipher(t))
	amount := decimal.NewFromInt(10)

	cases := []struct {
		name string
		card CardDetails
	}{
		{"luhn failure", futureCard("4111111111111112")},
		{"too short", futureCard("411111111111")},
		{"too long", futureCard("41111111111111111111")},
		{"non-digit", futureCard("4111x11111111111")},
		{"bad month", func() CardDetails { c := futureCard("4111111111111111"); c.ExpMonth = 13; return c }()},
		{"bad cvv", func() CardDetails { c := futureCard("4111111111111111"); c.CVV = "12"; return c }()},
	}
	for _, tc := range cases {
		if _, err := auth.Authorize("terminal-1", tc.card, amount); !errors.Is(err, utils.ErrorValidation) {
			t.Errorf("%s: want validation error, got %v", tc.name, err)
		}
	}

	if _, err := auth.Authorize("terminal-1", futureCard("4111111111111111"), decimal.Zero); !errors.Is(err, utils.ErrorValidation) {
		t.Errorf("zero amount: want validation error, got %v", err)
	}
}

func TestAuthorizeExpiry(t *testing.T) {
	auth := NewAuthorizer(testCipher(t))
	amount := decimal.NewFromInt(10)
	now := time.Now().UTC()

	expired := futureCard("4111111111111111")
	lastMonth := now.AddDate(0, -1, 0)
	expired.ExpMonth = int(lastMonth.Month())
	expired.ExpYear = lastMonth.Year()
	if _, err := auth.Authorize("terminal-1", expired, amount); !errors.Is(err, utils.ErrorValidation) {
		t.Fatalf("expired card: want validation error, got %v", err)
	}

	// A card is good through the last day of its expiry month.
	current := futureCard("4111111111111111")
	current.ExpMonth = int(now.Month())
	current.ExpYear = now.Year()
	if _, err := auth.Authorize("terminal-1", current, amount); err != nil {
		t.Fatalf("card expiring this month must still authorize: %v", err)
	}

	// Two-digit years are normalized.
	short := futureCard("4111111111111111")
	short.ExpYear = (now.Year() + 2) % 100
	if _, err := auth.Authorize("terminal-1", short, amount); err != nil {
		t.Fatalf("two-digit expiry year: %v", err)
	}
}

func TestFloorLimitBoundaries(t *testing.T) {
	auth := NewAuthorizer(testCipher(t))

	cases := []struct {
		pan       string
		amount    string
		voiceAuth bool
	}{
		{"4111111111111111", "99.99", false},
		{"4111111111111111", "100.00", false}, // limit itself is still under
		{"4111111111111111", "100.01", true},
		{"378282246310005", "120.00", false}, // amex floor is higher
		{"378282246310005", "150.01", true},
		{"6011111111111117", "75.01", true},
		{"3566002020360505", "50.01", true}, // unknown network, lowest floor
	}
	for _, tc := range cases {
		amount, err := decimal.NewFromString(tc.amount)
		if err != nil {
			t.Fatal(err)
		}
		result, err := auth.Authorize("terminal-1", futureCard(tc.pan), amount)
		if err != nil {
			t.Fatalf("Authorize(%s, %s): %v", tc.pan, tc.amount, err)
		}
		if result.RequiresVoiceAuth != tc.voiceAuth {
			t.Errorf("%s at %s: voice auth = %v, want %v", result.Network, tc.amount, result.RequiresVoiceAuth, tc.voiceAuth)
		}
	}
}

func TestFloorLimitEnvOverride(t *testing.T) {
	t.Setenv("POS_FLOOR_LIMIT_VISA", "500")
	auth := NewAuthorizer(testCipher(t))

	result, err := auth.Authorize("terminal-1", futureCard("4111111111111111"), decimal.NewFromInt(400))
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if result.RequiresVoiceAuth {
		t.Fatalf("overridden visa floor is 500, 400 must not need voice auth")
	}
	if !result.FloorLimit.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("floor limit = %s, want 500", result.FloorLimit)
	}
}

func TestCipherRejectsTamperedBlob(t *testing.T) {
	cipher := testCipher(t)
	blob, err := cipher.Encrypt([]byte(`{"number":"4111111111111111"}`))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	blob[len(blob)-1] ^= 0xFF
	if _, err := cipher.Decrypt(blob); err == nil {
		t.Fatalf("tampered ciphertext must not decrypt")
	}
	if _, err := cipher.Decrypt([]byte("short")); err == nil {
		t.Fatalf("truncated ciphertext must not decrypt")
	}
}
