package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Fuonder/formapay/internal/models"
)

const (
	SignatureHeader    = "X-Gateway-Signature"
	SignatureTolerance = 5 * time.Minute
)

type SignatureVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewSignatureVerifier(secret string) *SignatureVerifier {
	return &SignatureVerifier{secret: []byte(secret), tolerance: SignatureTolerance, now: time.Now}
}

func sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeaderValue builds the header the provider sends for body at t.
func SignatureHeaderValue(secret string, t time.Time, body []byte) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return fmt.Sprintf("t=%s,s=%s", ts, sign([]byte(secret), ts, body))
}

// Verify checks a "t=<unix>,s=<hex>" header against body.
func (v *SignatureVerifier) Verify(header string, body []byte) error {
	if len(v.secret) == 0 {
		return fmt.Errorf("%w: webhook secret not configured", models.ErrInvalidSignature)
	}
	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts = value
		case "s":
			sig = value
		}
	}
	if ts == "" || sig == "" {
		return fmt.Errorf("%w: malformed header", models.ErrInvalidSignature)
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", models.ErrInvalidSignature)
	}
	age := v.now().Sub(time.Unix(unix, 0))
	if age > v.tolerance || age < -v.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", models.ErrInvalidSignature)
	}

	got, err := hex.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding", models.ErrInvalidSignature)
	}
	want, _ := hex.DecodeString(sign(v.secret, ts, body))
	if !hmac.Equal(got, want) {
		return models.ErrInvalidSignature
	}
	return nil
}
