package signing

import (
	"strconv"
	"strings"
	"testing"
	"time"
)

func fixedSigner(now time.Time) *Signer {
	return &Signer{Now: func() time.Time { return now }, Tolerance: DefaultTolerance}
}

func TestSign(t *testing.T) {
	sig := Sign([]byte(`{"event":"test"}`), "my-secret-key")
	if len(sig) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(sig))
	}
	if sig != strings.ToLower(sig) {
		t.Fatalf("signature should be lowercase hex, got %s", sig)
	}
	if Sign([]byte(`{"event":"test"}`), "other") == sig {
		t.Fatal("different secrets should produce different signatures")
	}
}

func TestHeaderAndVerify(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := fixedSigner(now)
	payload := []byte(`{"event":"test"}`)
	secret := "my-secret-key"

	header := s.Header(payload, secret)
	if !strings.HasPrefix(header, "t=1700000000,v1=") {
		t.Fatalf("unexpected header format: %s", header)
	}
	if !s.Verify(payload, secret, header) {
		t.Fatal("Verify should return true for a fresh header")
	}
	if s.Verify(payload, "wrong-secret", header) {
		t.Fatal("Verify should return false for wrong secret")
	}
	if s.Verify([]byte("tampered"), secret, header) {
		t.Fatal("Verify should return false for tampered payload")
	}

	tamperedTS := strings.Replace(header, "t=1700000000", "t=1700000001", 1)
	if s.Verify(payload, secret, tamperedTS) {
		t.Fatal("Verify should return false for altered timestamp")
	}
	tamperedSig := header[:len(header)-1] + "0"
	if strings.HasSuffix(header, "0") {
		tamperedSig = header[:len(header)-1] + "1"
	}
	if s.Verify(payload, secret, tamperedSig) {
		t.Fatal("Verify should return false for altered signature")
	}
}

func TestSignedMaterialIncludesTimestamp(t *testing.T) {
	payload := []byte("hello")
	header := HeaderAt(payload, "k", 42)
	want := "t=42,v1=" + Sign([]byte("42.hello"), "k")
	if header != want {
		t.Fatalf("expected %s, got %s", want, header)
	}
	if strings.HasSuffix(header, Sign(payload, "k")) {
		t.Fatal("signature must not be computed over the raw payload")
	}
}

func TestVerifyToleranceBoundary(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := fixedSigner(now)
	payload := []byte("body")
	tol := int64(DefaultTolerance / time.Second)

	tests := []struct {
		name string
		ts   int64
		want bool
	}{
		{"exactly at past tolerance", now.Unix() - tol, true},
		{"one second past tolerance", now.Unix() - tol - 1, false},
		{"exactly at future tolerance", now.Unix() + tol, true},
		{"one second beyond future tolerance", now.Unix() + tol + 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Verify(payload, "secret", HeaderAt(payload, "secret", tt.ts))
			if got != tt.want {
				t.Fatalf("Verify at ts=%d: got %v, want %v", tt.ts, got, tt.want)
			}
		})
	}
}

func TestVerifyMalformedHeaders(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := fixedSigner(now)
	payload := []byte("body")
	valid := Sign([]byte(strconv.FormatInt(now.Unix(), 10)+".body"), "secret")

	for _, header := range []string{
		"",
		"garbage",
		"t=1700000000",
		"v1=" + valid,
		"t=abc,v1=" + valid,
		"t=,v1=" + valid,
		"t=1700000000,v1=",
	} {
		if s.Verify(payload, "secret", header) {
			t.Fatalf("expected malformed header %q to fail", header)
		}
	}

	spaced := " t = 1700000000 , v1 = " + valid + " "
	if !s.Verify(payload, "secret", spaced) {
		t.Fatal("whitespace around tokens should be tolerated")
	}
}
