package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const maxCallbackBody = 1 << 20

// CallbackMiddleware validates HMAC signatures on ledger relayer callbacks.
// Signature = hex(HMAC-SHA256(secret, timestamp + "\n" + body)).
type CallbackMiddleware struct {
	Secret  []byte
	MaxSkew time.Duration
}

// NewCallbackMiddleware constructs callback signature middleware.
func NewCallbackMiddleware(secret []byte, maxSkew time.Duration) *CallbackMiddleware {
	return &CallbackMiddleware{Secret: secret, MaxSkew: maxSkew}
}

// Wrap enforces callback signature validation.
func (m *CallbackMiddleware) Wrap(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(m.Secret) == 0 {
			http.Error(w, "callback auth not configured", http.StatusUnauthorized)
			return
		}
		timestamp := strings.TrimSpace(r.Header.Get("X-Ledger-Timestamp"))
		signature := strings.TrimSpace(r.Header.Get("X-Ledger-Signature"))
		if timestamp == "" || signature == "" {
			http.Error(w, "missing callback signature", http.StatusUnauthorized)
			return
		}
		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			http.Error(w, "invalid callback timestamp", http.StatusUnauthorized)
			return
		}
		skew := time.Since(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if m.MaxSkew > 0 && skew > m.MaxSkew {
			http.Error(w, "callback signature expired", http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
		if err != nil {
			http.Error(w, "read body error", http.StatusBadRequest)
			return
		}
		_ = r.Body.Close()

		expected := SignCallback(m.Secret, timestamp, body)
		if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
			http.Error(w, "invalid callback signature", http.StatusUnauthorized)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// SignCallback computes the callback signature.
func SignCallback(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
