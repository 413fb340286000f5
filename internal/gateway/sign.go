package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// canonical lists the signed fields in fixed key order; empty fields are
// skipped so payment and refund notifications share one scheme.
func canonical(n *Notification) string {
	pairs := [][2]string{
		{"amount", n.Amount},
		{"error_message", n.ErrorMessage},
		{"merchant_order_no", n.MerchantOrderNo},
		{"refund_no", n.RefundNo},
		{"result_status", n.ResultStatus},
		{"transaction_id", n.TransactionID},
	}
	var b strings.Builder
	for _, p := range pairs {
		if p[1] == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p[0])
		b.WriteByte('=')
		b.WriteString(p[1])
	}
	return b.String()
}

// Sign returns the hex HMAC-SHA256 of the notification's canonical form.
func Sign(secret string, n *Notification) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical(n)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares n.Signature with the expected HMAC in constant
// time.
func VerifySignature(secret string, n *Notification) error {
	got, err := hex.DecodeString(n.Signature)
	if err != nil || len(got) == 0 {
		return fmt.Errorf("malformed signature: %w", ErrVerificationFailed)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical(n)))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return fmt.Errorf("signature mismatch: %w", ErrVerificationFailed)
	}
	return nil
}
