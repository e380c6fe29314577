package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// HMACConfig holds the shared secret of an HMAC-signed provider
type HMACConfig struct {
	Secret          string
	SignatureHeader string
	TimestampHeader string
	Tolerance       time.Duration
}

// Sign returns the base64 HMAC-SHA256 of timestamp followed by body
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// verifyHMAC checks a timestamped HMAC signature. The signature may be
// base64 or hex encoded.
func verifyHMAC(secret, signature, timestamp string, body []byte, now time.Time, tolerance time.Duration) error {
	if secret == "" {
		return fmt.Errorf("%w: no signing secret configured", ErrInvalidSignature)
	}
	if signature == "" || timestamp == "" {
		return fmt.Errorf("%w: missing signature headers", ErrInvalidSignature)
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	if err := checkTimestamp(time.Unix(ts, 0), now, tolerance); err != nil {
		return err
	}

	expected, _ := base64.StdEncoding.DecodeString(Sign(secret, ts, body))
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		if got, err = hex.DecodeString(signature); err != nil {
			return ErrInvalidSignature
		}
	}
	if !hmac.Equal(expected, got) {
		return ErrInvalidSignature
	}
	return nil
}
