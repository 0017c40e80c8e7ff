package interceptors

import (
	"google.golang.org/grpc"

	"antcode/pkg/audit"
	"antcode/pkg/ratelimit"
	"antcode/pkg/telemetry"
)

// ServerConfig configures the server interceptor chain.
type ServerConfig struct {
	ServiceName   string
	EnableTracing bool
	EnableAudit   bool
	RateLimiter   ratelimit.Limiter
	AuditLogger   audit.Logger
	AuditExclude  map[string]bool
	KeyExtractor  ratelimit.KeyExtractor
}

// UnaryServerInterceptors returns the unary interceptor chain.
func UnaryServerInterceptors(cfg *ServerConfig) grpc.UnaryServerInterceptor {
	interceptors := []grpc.UnaryServerInterceptor{
		RecoveryInterceptor(),
	}

	// Rate limiting runs first after recovery.
	if cfg.RateLimiter != nil {
		interceptors = append(interceptors, RateLimitInterceptor(cfg.RateLimiter, cfg.KeyExtractor))
	}

	// Tracing
	if cfg.EnableTracing {
		interceptors = append(interceptors, telemetry.UnaryServerInterceptor())
	}

	// Metrics
	interceptors = append(interceptors, MetricsInterceptor(cfg.ServiceName))

	// Logging
	interceptors = append(interceptors, LoggingInterceptor())

	// Validation
	interceptors = append(interceptors, ValidationInterceptor())

	// Audit runs last so it can log the final result.
	if cfg.EnableAudit && cfg.AuditLogger != nil {
		interceptors = append(interceptors, AuditInterceptor(&AuditConfig{
			ServiceName:    cfg.ServiceName,
			ExcludeMethods: cfg.AuditExclude,
			Logger:         cfg.AuditLogger,
		}))
	}

	return chainUnaryInterceptors(interceptors...)
}

// StreamServerInterceptors returns the stream interceptor chain.
func StreamServerInterceptors(cfg *ServerConfig) grpc.StreamServerInterceptor {
	interceptors := []grpc.StreamServerInterceptor{
		StreamRecoveryInterceptor(),
	}

	// Rate Limiting
	if cfg.RateLimiter != nil {
		interceptors = append(interceptors, StreamRateLimitInterceptor(cfg.RateLimiter, cfg.KeyExtractor))
	}

	// Tracing
	if cfg.EnableTracing {
		interceptors = append(interceptors, telemetry.StreamServerInterceptor())
	}

	// Metrics & Logging
	interceptors = append(interceptors,
		StreamMetricsInterceptor(cfg.ServiceName),
		StreamLoggingInterceptor(),
	)

	// Audit
	if cfg.EnableAudit && cfg.AuditLogger != nil {
		interceptors = append(interceptors, StreamAuditInterceptor(&AuditConfig{
			ServiceName:    cfg.ServiceName,
			ExcludeMethods: cfg.AuditExclude,
			Logger:         cfg.AuditLogger,
		}))
	}

	return chainStreamInterceptors(interceptors...)
}

// Legacy functions for backward compatibility

func UnaryServerInterceptorsLegacy(serviceName string, enableTracing bool) grpc.UnaryServerInterceptor {
	return UnaryServerInterceptors(&ServerConfig{
		ServiceName:   serviceName,
		EnableTracing: enableTracing,
	})
}

func StreamServerInterceptorsLegacy(serviceName string, enableTracing bool) grpc.StreamServerInterceptor {
	return StreamServerInterceptors(&ServerConfig{
		ServiceName:   serviceName,
		EnableTracing: enableTracing,
	})
}
