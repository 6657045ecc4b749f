package rtc

import (
	"net"
	"strings"

	"go.uber.org/zap"

	"github.com/pion/stun/v3"
)

// ProbeSTUN issues a binding request against each configured STUN URL and
// logs the mapped address. Failures are logged, never fatal: an unreachable
// resolver degrades connectivity but does not block a join attempt.
func ProbeSTUN(urls []string, logger *zap.Logger) {
	logger = logger.Named("stun-probe")

	for _, url := range urls {
		if !strings.HasPrefix(url, "stun:") {
			continue
		}
		addr := strings.TrimPrefix(url, "stun:")

		conn, err := net.Dial("udp", addr)
		if err != nil {
			logger.Warn("STUN server unreachable", zap.String("addr", addr), zap.Error(err))
			continue
		}
		conn.Close()

		c, err := stun.Dial("udp", addr)
		if err != nil {
			logger.Warn("failed to connect to STUN server", zap.String("addr", addr), zap.Error(err))
			continue
		}

		message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
		if err := c.Do(message, func(res stun.Event) {
			if res.Error != nil {
				logger.Warn("STUN binding request failed", zap.String("addr", addr), zap.Error(res.Error))
				return
			}
			var xorAddr stun.XORMappedAddress
			if err := xorAddr.GetFrom(res.Message); err != nil {
				logger.Warn("failed to read mapped address", zap.String("addr", addr), zap.Error(err))
				return
			}
			logger.Info("STUN server reachable",
				zap.String("addr", addr),
				zap.String("mapped", xorAddr.String()))
		}); err != nil {
			logger.Warn("STUN binding request failed", zap.String("addr", addr), zap.Error(err))
		}
		c.Close()
	}
}
