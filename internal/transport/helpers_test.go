package transport

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/driftworks/relay/internal/config"
)

func testLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

func testTCPConfig() config.TCPConfig {
	return config.TCPConfig{Enabled: true, Host: "127.0.0.1", Port: 0}
}

func testUDPConfig() config.UDPConfig {
	return config.UDPConfig{Enabled: true, Host: "127.0.0.1", Port: 0}
}
