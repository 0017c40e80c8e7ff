package server

import (
	"testing"

	"antcode/pkg/config"
	"antcode/pkg/logger"

	"github.com/stretchr/testify/assert"
)

func init() {
	logger.Init("error")
}

func TestNewServer(t *testing.T) {
	cfg := &config.Config{
		App: config.AppConfig{Name: "test-app"},
		GRPC: config.GRPCConfig{
			Port:      50051,
			KeepAlive: config.KeepAliveConfig{},
		},
		RateLimit: config.RateLimitConfig{
			Enabled: false,
		},
		Audit: config.AuditConfig{
			Enabled: false,
		},
	}

	srv := New(cfg)
	assert.NotNil(t, srv)
	assert.NotNil(t, srv.GetEngine())

	// Audit logger should be nil since it is disabled.
	assert.Nil(t, srv.GetAuditLogger())
}

func TestNewServer_WithOptions(t *testing.T) {
	cfg := &config.Config{
		App:   config.AppConfig{Name: "test-app"},
		GRPC:  config.GRPCConfig{Port: 50052},
		Audit: config.AuditConfig{Enabled: true}, // enabled in config
	}

	// Pass a nil audit logger explicitly via opts (simulates creation failure).
	opts := &ServerOptions{
		AuditLogger: nil,
	}

	srv := NewWithOptions(cfg, opts)
	assert.NotNil(t, srv)
}
