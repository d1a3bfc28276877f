package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Outbound header names.
const (
	HeaderSignature = "X-Hookrelay-Signature-256"
	HeaderEvent     = "X-Hookrelay-Event"
	HeaderDelivery  = "X-Hookrelay-Delivery"
)

const signaturePrefix = "sha256="

// SignHMAC returns lowercase hex of HMAC-SHA256 over the exact body bytes.
func SignHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return fmt.Sprintf("%x", mac.Sum(nil))
}

// SignatureHeader returns the header value for body, or "" when there is
// no secret and the header must be omitted.
func SignatureHeader(secret string, body []byte) string {
	if secret == "" {
		return ""
	}
	return signaturePrefix + SignHMAC(secret, body)
}

// VerifyHMAC checks a "sha256=<hex>" or bare hex signature over the raw body
// in constant time.
func VerifyHMAC(secret string, body []byte, provided string) bool {
	if secret == "" || provided == "" {
		return false
	}
	provided = strings.TrimPrefix(strings.TrimSpace(provided), signaturePrefix)
	b, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), b)
}
