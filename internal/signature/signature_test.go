package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"
)

func stripeHeader(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "t=" + timestamp + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyKit(t *testing.T) {
	if !VerifyKit("secret", "secret") {
		t.Fatalf("matching secret must pass")
	}
	if VerifyKit("secret", "wrong") {
		t.Fatalf("mismatched secret must fail")
	}
	if !VerifyKit("", "anything") {
		t.Fatalf("empty secret must disable verification")
	}
}

func TestVerifyStripe(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"type":"checkout.session.completed"}`)

	header := stripeHeader(secret, "1700000000", body)
	if !VerifyStripe(secret, body, header) {
		t.Fatalf("valid signature must pass")
	}

	tampered := []byte(`{"type":"checkout.session.completed","x":1}`)
	if VerifyStripe(secret, tampered, header) {
		t.Fatalf("tampered body must fail")
	}

	if VerifyStripe(secret, body, "t=1700000000") {
		t.Fatalf("header without v1 must fail")
	}
	if VerifyStripe(secret, body, "") {
		t.Fatalf("empty header must fail")
	}
	if !VerifyStripe("", body, "") {
		t.Fatalf("empty secret must disable verification")
	}
}

func TestVerifyStripe_IgnoresUnknownHeaderParts(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{}`)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("42"))
	mac.Write([]byte("."))
	mac.Write(body)
	header := "t=42,v0=garbage,v1=" + hex.EncodeToString(mac.Sum(nil))

	if !VerifyStripe(secret, body, header) {
		t.Fatalf("unknown scheme parts must not break verification")
	}
}

func TestVerifyTypeform(t *testing.T) {
	secret := "tf_secret"
	body := []byte(`{"event_type":"form_response"}`)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	header := "sha256=" + base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !VerifyTypeform(secret, body, header) {
		t.Fatalf("valid signature must pass")
	}
	if VerifyTypeform(secret, []byte(`{"event_type":"other"}`), header) {
		t.Fatalf("tampered body must fail")
	}
	if VerifyTypeform(secret, body, "sha256=AAAA") {
		t.Fatalf("wrong signature must fail")
	}
	if !VerifyTypeform("", body, "") {
		t.Fatalf("empty secret must disable verification")
	}
}
