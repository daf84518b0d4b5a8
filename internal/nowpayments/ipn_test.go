package nowpayments

import "testing"

const testSecret = "ipn-secret"

func TestVerifyIPNSignature(t *testing.T) {
	// Keys deliberately out of order: the canonical form sorts them.
	body := []byte(`{"payment_status":"finished","payment_id":123456,"order_id":"order-1","actually_paid":"99.5"}`)

	sig, err := SignIPN(body, testSecret)
	if err != nil {
		t.Fatalf("failed to sign body: %v", err)
	}
	if !VerifyIPNSignature(body, sig, testSecret) {
		t.Fatal("valid signature rejected")
	}

	sorted := []byte(`{"actually_paid":"99.5","order_id":"order-1","payment_id":123456,"payment_status":"finished"}`)
	if !VerifyIPNSignature(sorted, sig, testSecret) {
		t.Fatal("key order must not affect the signature")
	}
}

func TestVerifyIPNSignatureRejects(t *testing.T) {
	body := []byte(`{"payment_status":"finished","order_id":"order-1"}`)
	sig, err := SignIPN(body, testSecret)
	if err != nil {
		t.Fatalf("failed to sign body: %v", err)
	}

	tampered := []byte(`{"payment_status":"finished","order_id":"order-2"}`)
	if VerifyIPNSignature(tampered, sig, testSecret) {
		t.Error("tampered body accepted")
	}
	if VerifyIPNSignature(body, sig, "wrong-secret") {
		t.Error("wrong secret accepted")
	}
	if VerifyIPNSignature(body, "", testSecret) {
		t.Error("empty signature accepted")
	}
	if VerifyIPNSignature(body, sig, "") {
		t.Error("empty secret accepted")
	}
	if VerifyIPNSignature([]byte("not json"), sig, testSecret) {
		t.Error("malformed body accepted")
	}
}

func TestVerifyIPNSignaturePreservesNumbers(t *testing.T) {
	// Large payment IDs must not be mangled into scientific notation
	// during the canonicalization round trip.
	body := []byte(`{"payment_id":6283941294859204913,"payment_status":"waiting"}`)
	sig, err := SignIPN(body, testSecret)
	if err != nil {
		t.Fatalf("failed to sign body: %v", err)
	}
	if !VerifyIPNSignature(body, sig, testSecret) {
		t.Fatal("large integer payload rejected")
	}
}
