// Package gateway implements the Gateway transport: a gRPC surface
// exposing unary RPCs plus one long-lived bidi control stream, secured
// by mTLS or an API key (spec.md §4.6).
package gateway

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"

	grpcmiddleware "github.com/grpc-ecosystem/go-grpc-middleware/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"antcode/pkg/interceptors"
)

// ServerConfig configures a Gateway server.
type ServerConfig struct {
	Addr        string
	Auth        AuthConfig
	TLSCertFile string
	TLSKeyFile  string
	Interceptor *interceptors.ServerConfig
}

// Server hosts the Gateway's hand-rolled ServiceDesc on a *grpc.Server.
type Server struct {
	cfg    ServerConfig
	grpc   *grpc.Server
	logger *slog.Logger
}

// NewServer builds a Gateway Server around backend. The auth interceptor
// is chained in front of the shared interceptor stack
// (recovery/rate-limit/tracing/metrics/logging/validation/audit) using
// grpc-middleware's canonical chaining helper, since the auth check is
// Gateway-specific and the rest is shared with pkg/server.
func NewServer(cfg ServerConfig, backend Backend, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interceptor == nil {
		cfg.Interceptor = &interceptors.ServerConfig{ServiceName: serviceName}
	}

	var serverOpts []grpc.ServerOption

	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load gateway tls cert: %w", err)
		}
		creds := credentials.NewTLS(&tls.Config{Certificates: []tls.Certificate{cert}, ClientAuth: tls.RequireAndVerifyClientCert})
		serverOpts = append(serverOpts, grpc.Creds(creds))
		cfg.Auth.RequireTLS = true
	} else {
		logger.Warn("gateway server running without TLS; dev mode only", "addr", cfg.Addr)
	}

	unaryChain := grpcmiddleware.ChainUnaryServer(
		authUnaryInterceptor(cfg.Auth),
		interceptors.UnaryServerInterceptors(cfg.Interceptor),
	)
	streamChain := grpcmiddleware.ChainStreamServer(
		interceptors.StreamServerInterceptors(cfg.Interceptor),
	)

	serverOpts = append(serverOpts,
		grpc.UnaryInterceptor(unaryChain),
		grpc.StreamInterceptor(streamChain),
		grpc.ForceServerCodec(jsonCodec{}),
	)

	s := grpc.NewServer(serverOpts...)
	desc := serviceDesc(backend)
	desc.Streams = append(desc.Streams, workerStreamDesc(backend))
	s.RegisterService(&desc, backend)

	return &Server{cfg: cfg, grpc: s, logger: logger}, nil
}

// Serve blocks accepting connections on cfg.Addr.
func (s *Server) Serve() error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.logger.Info("gateway server listening", "addr", s.cfg.Addr)
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}
