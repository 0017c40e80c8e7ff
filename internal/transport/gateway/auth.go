package gateway

import (
	"context"
	"crypto/subtle"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// AuthConfig selects one of the two auth modes spec.md §4.6 allows:
// mTLS (verified by the transport credentials themselves) or an API
// key carried in the "x-api-key"/"x-worker-id" metadata pair.
type AuthConfig struct {
	RequireTLS bool
	APIKey     string
}

// authUnaryInterceptor enforces AuthConfig on every unary RPC.
func authUnaryInterceptor(cfg AuthConfig) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := authenticate(ctx, cfg); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func authenticate(ctx context.Context, cfg AuthConfig) error {
	if cfg.RequireTLS {
		p, ok := peer.FromContext(ctx)
		if !ok {
			return status.Error(codes.Unauthenticated, "missing peer info")
		}
		tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
		if !ok || len(tlsInfo.State.PeerCertificates) == 0 {
			return status.Error(codes.Unauthenticated, "client certificate required")
		}
		return nil
	}

	if cfg.APIKey == "" {
		return nil
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	keys := md.Get("x-api-key")
	if len(keys) != 1 || subtle.ConstantTimeCompare([]byte(keys[0]), []byte(cfg.APIKey)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid or missing x-api-key")
	}
	workerIDs := md.Get("x-worker-id")
	if len(workerIDs) != 1 || workerIDs[0] == "" {
		return status.Error(codes.Unauthenticated, "missing x-worker-id")
	}
	return nil
}
