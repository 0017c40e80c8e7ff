package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	grpcretry "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/retry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"antcode/internal/domain"
	"antcode/internal/transport"
)

// ClientConfig configures a Gateway client connection.
type ClientConfig struct {
	Address      string
	APIKey       string
	WorkerID     string
	TLSCertFile  string // client cert, for mTLS
	TLSKeyFile   string
	TLSCAFile    string
	MaxRetries   int
	RetryBackoff time.Duration
}

// Client is a Transport implementation backed by the Gateway's gRPC
// surface, dialed with the retry interceptor from grpc-middleware
// (grounded on the teacher's pkg/client.NewGRPCClient).
type Client struct {
	cfg  ClientConfig
	conn *grpc.ClientConn
}

// Dial connects to the Gateway, applying the same
// retry/backoff/codes-to-retry policy the teacher's GRPC client uses.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}

	retryOpts := []grpcretry.CallOption{
		grpcretry.WithBackoff(grpcretry.BackoffLinear(cfg.RetryBackoff)),
		grpcretry.WithCodes(codes.Unavailable, codes.Aborted, codes.DeadlineExceeded),
		grpcretry.WithMax(uint(cfg.MaxRetries)),
	}

	transportCreds := insecure.NewCredentials()
	if cfg.TLSCertFile != "" {
		tc, err := loadClientTLS(cfg)
		if err != nil {
			return nil, err
		}
		transportCreds = tc
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(transportCreds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
		grpc.WithChainUnaryInterceptor(grpcretry.UnaryClientInterceptor(retryOpts...)),
		grpc.WithChainStreamInterceptor(grpcretry.StreamClientInterceptor(retryOpts...)),
	}

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial gateway %s: %w", cfg.Address, err)
	}

	return &Client{cfg: cfg, conn: conn}, nil
}

// loadClientTLS builds mTLS transport credentials from a client
// cert/key pair plus, when provided, a CA bundle for verifying the
// Gateway's server certificate (spec.md §4.6 "mTLS with client cert +
// CA trust").
func loadClientTLS(cfg ClientConfig) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load gateway client cert: %w", err)
	}

	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}

	if cfg.TLSCAFile != "" {
		caBytes, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("read gateway ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("no valid certificates found in %s", cfg.TLSCAFile)
		}
		tlsCfg.RootCAs = pool
	}

	return credentials.NewTLS(tlsCfg), nil
}

func (c *Client) authContext(ctx context.Context) context.Context {
	if c.cfg.APIKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "x-api-key", c.cfg.APIKey, "x-worker-id", c.cfg.WorkerID)
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	fullMethod := "/" + serviceName + "/" + method
	return c.conn.Invoke(c.authContext(ctx), fullMethod, req, resp)
}

// Register implements transport.Transport.
func (c *Client) Register(ctx context.Context, info domain.WorkerInfo) error {
	resp := new(RegisterResponse)
	if err := c.invoke(ctx, "Register", &RegisterRequest{Info: info}, resp); err != nil {
		return err
	}
	if !resp.Accepted {
		return fmt.Errorf("gateway rejected registration: %s", resp.Reason)
	}
	return nil
}

// PollTask implements transport.Transport.
func (c *Client) PollTask(ctx context.Context, workerID string) (*transport.PolledTask, error) {
	resp := new(PollTaskResponse)
	if err := c.invoke(ctx, "PollTask", &PollTaskRequest{WorkerID: workerID}, resp); err != nil {
		return nil, err
	}
	if resp.Task == nil {
		return nil, nil
	}
	return &transport.PolledTask{Task: *resp.Task, Receipt: resp.Receipt}, nil
}

// AckTask implements transport.Transport.
func (c *Client) AckTask(ctx context.Context, receipt string, accepted bool) error {
	return c.invoke(ctx, "AckTask", &AckTaskRequest{Receipt: receipt, Accepted: accepted}, new(AckTaskResponse))
}

// ReportResult implements transport.Transport.
func (c *Client) ReportResult(ctx context.Context, result domain.TaskResult) error {
	return c.invoke(ctx, "ReportResult", &ReportResultRequest{Result: result}, new(ReportResultResponse))
}

// SendLogBatch implements transport.Transport.
func (c *Client) SendLogBatch(ctx context.Context, entries []domain.LogEntry) error {
	return c.invoke(ctx, "SendLogBatch", &SendLogBatchRequest{Entries: entries}, new(SendLogBatchResponse))
}

// SendHeartbeat implements transport.Transport.
func (c *Client) SendHeartbeat(ctx context.Context, hb domain.Heartbeat) error {
	return c.invoke(ctx, "SendHeartbeat", &SendHeartbeatRequest{Heartbeat: hb}, new(SendHeartbeatResponse))
}

// PollControl implements transport.Transport.
func (c *Client) PollControl(ctx context.Context, workerID string) (*transport.ControlMessage, error) {
	resp := new(PollControlResponse)
	if err := c.invoke(ctx, "PollControl", &PollControlRequest{WorkerID: workerID}, resp); err != nil {
		return nil, err
	}
	if resp.Receipt == "" {
		return nil, nil
	}
	return &transport.ControlMessage{
		Type:    transport.ControlMessageType(resp.Type),
		RunID:   resp.RunID,
		Payload: resp.Payload,
		Receipt: resp.Receipt,
	}, nil
}

// AckControl implements transport.Transport.
func (c *Client) AckControl(ctx context.Context, receipt string) error {
	return c.invoke(ctx, "AckControl", &AckControlRequest{Receipt: receipt}, new(AckControlResponse))
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

var _ transport.Transport = (*Client)(nil)
