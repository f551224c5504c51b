package http

import (
	"net"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// clientIPExtractor decides what c.RealIP() returns, and therefore what the
// key allow-lists are checked against. Without trusted proxies the socket
// peer is the client; forwarding headers are ignored. With trusted proxies
// X-Forwarded-For is walked from the right and only hops inside those
// ranges are skipped.
func clientIPExtractor(trusted []string, logger *zap.Logger) echo.IPExtractor {
	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	n := 0
	for _, raw := range trusted {
		ipNet, err := parseTrustedRange(raw)
		if err != nil {
			logger.Warn("ignoring trusted proxy entry", zap.String("entry", raw), zap.Error(err))
			continue
		}
		opts = append(opts, echo.TrustIPRange(ipNet))
		n++
	}
	if n == 0 {
		return echo.ExtractIPDirect()
	}
	return echo.ExtractIPFromXFFHeader(opts...)
}

// parseTrustedRange accepts a CIDR or a bare address.
func parseTrustedRange(raw string) (*net.IPNet, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "/") {
		if ip := net.ParseIP(raw); ip != nil {
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
		}
	}
	_, ipNet, err := net.ParseCIDR(raw)
	return ipNet, err
}
