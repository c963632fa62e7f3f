package audit

import (
	"context"
	"net"
	"strings"
)

const unknownIP = "unknown"

type clientIPKey struct{}

// ClientIP returns the first syntactically valid address found in the
// proxy headers, in order, then in remoteAddr. Comma-separated header
// values are checked left to right.
func ClientIP(header func(string) string, remoteAddr string, proxyHeaders []string) string {
	for _, name := range proxyHeaders {
		for _, part := range strings.Split(header(name), ",") {
			if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil {
				return ip.String()
			}
		}
	}
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return unknownIP
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

func ClientIPFrom(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPKey{}).(string); ok && ip != "" {
		return ip
	}
	return unknownIP
}
