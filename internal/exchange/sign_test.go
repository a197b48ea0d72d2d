package exchange

import (
	"encoding/base64"
	"testing"
)

func TestSignHex(t *testing.T) {
	t.Parallel()

	// RFC 4231 test case 2: key "Jefe", data "what do ya want for nothing?".
	got := signHex("Jefe", "what do ya want for nothing?")
	want := "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843"
	if got != want {
		t.Errorf("signHex = %s, want %s", got, want)
	}
}

func TestSignBase64(t *testing.T) {
	t.Parallel()

	secret := base64.StdEncoding.EncodeToString([]byte("Jefe"))
	got, err := signBase64(secret, "what do ya want for nothing?")
	if err != nil {
		t.Fatalf("signBase64: %v", err)
	}
	// Same digest as the hex vector, base64-encoded.
	want := "W9zBRr9gdU5qBCQmCJV1x1oAPwidJzmDnexYuWTsOEM="
	if got != want {
		t.Errorf("signBase64 = %s, want %s", got, want)
	}
}

func TestSignBase64RejectsBadSecret(t *testing.T) {
	t.Parallel()

	if _, err := signBase64("not base64 !!!", "msg"); err == nil {
		t.Error("expected error for undecodable secret")
	}
}

func TestSignHexDeterministic(t *testing.T) {
	t.Parallel()

	a := signHex("secret", "symbol=BTCUSDT&side=BUY")
	b := signHex("secret", "symbol=BTCUSDT&side=BUY")
	if a != b {
		t.Error("same input produced different signatures")
	}
	if c := signHex("secret", "symbol=BTCUSDT&side=SELL"); c == a {
		t.Error("different input produced identical signatures")
	}
}
