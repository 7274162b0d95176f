package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// HeaderName is the request header carrying the delivery signature.
const HeaderName = "X-Webhook-Signature"

// DefaultTolerance bounds the clock skew accepted by Verify in both directions.
const DefaultTolerance = 300 * time.Second

// Sign computes HMAC-SHA256 of payload using the given secret and returns the lowercase hex signature.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Signer produces and checks "t=<unix>,v1=<hex>" signature headers.
// The signed material is "<unix>.<payload>".
type Signer struct {
	Now       func() time.Time
	Tolerance time.Duration
}

func New() *Signer {
	return &Signer{Now: time.Now, Tolerance: DefaultTolerance}
}

func (s *Signer) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// Header returns the signature header value for payload at the current time.
func (s *Signer) Header(payload []byte, secret string) string {
	return HeaderAt(payload, secret, s.now().Unix())
}

// HeaderAt returns the signature header value for payload at timestamp ts.
func HeaderAt(payload []byte, secret string, ts int64) string {
	t := strconv.FormatInt(ts, 10)
	return "t=" + t + ",v1=" + Sign(signedMaterial(t, payload), secret)
}

// Verify checks header against payload and secret. Any malformed input fails closed.
func (s *Signer) Verify(payload []byte, secret, header string) bool {
	tol := s.Tolerance
	if tol <= 0 {
		tol = DefaultTolerance
	}
	fields := parseHeader(header)
	t, ok := fields["t"]
	if !ok || t == "" {
		return false
	}
	sig, ok := fields["v1"]
	if !ok || sig == "" {
		return false
	}
	ts, err := strconv.ParseInt(t, 10, 64)
	if err != nil {
		return false
	}
	age := s.now().Unix() - ts
	if age < 0 {
		age = -age
	}
	if age > int64(tol/time.Second) {
		return false
	}
	expected := Sign(signedMaterial(t, payload), secret)
	return hmac.Equal([]byte(expected), []byte(sig))
}

// Verify checks header using the default tolerance and the wall clock.
func Verify(payload []byte, secret, header string) bool {
	return New().Verify(payload, secret, header)
}

func signedMaterial(ts string, payload []byte) []byte {
	out := make([]byte, 0, len(ts)+1+len(payload))
	out = append(out, ts...)
	out = append(out, '.')
	return append(out, payload...)
}

func parseHeader(header string) map[string]string {
	fields := map[string]string{}
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		fields[key] = strings.TrimSpace(value)
	}
	return fields
}
