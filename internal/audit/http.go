package audit

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// Origin identifies the HTTP client behind an operator action.
type Origin struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// OriginFromRequest extracts the client address and user agent.
func OriginFromRequest(r *http.Request) *Origin {
	if r == nil {
		return nil
	}
	return &Origin{IP: clientIP(r), UserAgent: r.UserAgent()}
}

type originKey struct{}

// WithOrigin attaches the request origin so events emitted under ctx carry it.
func WithOrigin(ctx context.Context, origin *Origin) context.Context {
	if origin == nil {
		return ctx
	}
	return context.WithValue(ctx, originKey{}, origin)
}

// OriginFromContext returns the origin stored by WithOrigin.
func OriginFromContext(ctx context.Context) *Origin {
	if ctx == nil {
		return nil
	}
	origin, _ := ctx.Value(originKey{}).(*Origin)
	return origin
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
