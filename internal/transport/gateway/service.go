package gateway

import (
	"context"

	"google.golang.org/grpc"

	"antcode/internal/domain"
)

// Backend is the Master-side logic the Gateway server dispatches RPCs
// to. internal/wiring's MasterService implements it in production on
// top of internal/dispatcher and internal/registry; tests supply a fake.
type Backend interface {
	Register(ctx context.Context, info domain.WorkerInfo) (accepted bool, reason string, err error)
	PollTask(ctx context.Context, workerID string) (*domain.Task, string, error)
	AckTask(ctx context.Context, receipt string, accepted bool) error
	ReportResult(ctx context.Context, result domain.TaskResult) error
	SendLogBatch(ctx context.Context, entries []domain.LogEntry) (accepted int, err error)
	SendHeartbeat(ctx context.Context, hb domain.Heartbeat) (domain.HeartbeatState, error)
	PollControl(ctx context.Context, workerID string) (*PollControlResponse, error)
	AckControl(ctx context.Context, receipt string) error
}

const serviceName = "antcode.gateway.Gateway"

func unaryHandler[Req, Resp any](fn func(context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(ctx, req)
		}
		info := &grpc.UnaryServerInfo{FullMethod: serviceName}
		handler := func(ctx context.Context, req any) (any, error) {
			return fn(ctx, req.(*Req))
		}
		return interceptor(ctx, req, info, handler)
	}
}

// serviceDesc builds the hand-rolled grpc.ServiceDesc implementing the
// Gateway's unary RPCs against backend (spec.md §4.6). The long-lived
// bidi WorkerStream is registered separately (see stream.go) because
// grpc.ServiceDesc requires streaming methods in its own slice.
func serviceDesc(backend Backend) grpc.ServiceDesc {
	return grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "Register",
				Handler: unaryHandler(func(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
					accepted, reason, err := backend.Register(ctx, req.Info)
					if err != nil {
						return nil, err
					}
					return &RegisterResponse{Accepted: accepted, Reason: reason}, nil
				}),
			},
			{
				MethodName: "PollTask",
				Handler: unaryHandler(func(ctx context.Context, req *PollTaskRequest) (*PollTaskResponse, error) {
					task, receipt, err := backend.PollTask(ctx, req.WorkerID)
					if err != nil {
						return nil, err
					}
					return &PollTaskResponse{Task: task, Receipt: receipt}, nil
				}),
			},
			{
				MethodName: "AckTask",
				Handler: unaryHandler(func(ctx context.Context, req *AckTaskRequest) (*AckTaskResponse, error) {
					if err := backend.AckTask(ctx, req.Receipt, req.Accepted); err != nil {
						return nil, err
					}
					return &AckTaskResponse{}, nil
				}),
			},
			{
				MethodName: "ReportResult",
				Handler: unaryHandler(func(ctx context.Context, req *ReportResultRequest) (*ReportResultResponse, error) {
					if err := backend.ReportResult(ctx, req.Result); err != nil {
						return nil, err
					}
					return &ReportResultResponse{}, nil
				}),
			},
			{
				MethodName: "SendLogBatch",
				Handler: unaryHandler(func(ctx context.Context, req *SendLogBatchRequest) (*SendLogBatchResponse, error) {
					n, err := backend.SendLogBatch(ctx, req.Entries)
					if err != nil {
						return nil, err
					}
					return &SendLogBatchResponse{Accepted: n}, nil
				}),
			},
			{
				MethodName: "SendHeartbeat",
				Handler: unaryHandler(func(ctx context.Context, req *SendHeartbeatRequest) (*SendHeartbeatResponse, error) {
					state, err := backend.SendHeartbeat(ctx, req.Heartbeat)
					if err != nil {
						return nil, err
					}
					return &SendHeartbeatResponse{State: state}, nil
				}),
			},
			{
				MethodName: "PollControl",
				Handler: unaryHandler(func(ctx context.Context, req *PollControlRequest) (*PollControlResponse, error) {
					return backend.PollControl(ctx, req.WorkerID)
				}),
			},
			{
				MethodName: "AckControl",
				Handler: unaryHandler(func(ctx context.Context, req *AckControlRequest) (*AckControlResponse, error) {
					if err := backend.AckControl(ctx, req.Receipt); err != nil {
						return nil, err
					}
					return &AckControlResponse{}, nil
				}),
			},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "gateway.proto",
	}
}
