package gateway

import (
	"google.golang.org/grpc"
)

// StreamEnvelope is one frame on the long-lived bidi WorkerStream: a
// worker-to-master control-result/log-chunk push, or a master-to-worker
// control push, tagged by Kind so both directions share one wire type
// under the JSON codec (spec.md §4.6).
type StreamEnvelope struct {
	Kind    string
	Control *PollControlResponse
	Payload map[string]any
}

// WorkerStreamHandler is implemented by whatever consumes the
// long-lived channel. internal/wiring's MasterService does not
// implement it, so in this module control messages reach Workers
// through PollControl.
type WorkerStreamHandler interface {
	HandleWorkerStream(stream grpc.ServerStream) error
}

// workerStreamDesc registers the WorkerStream bidi method against
// backend when it also implements WorkerStreamHandler; Gateway
// deployments that only need the unary surface can leave it unbound.
func workerStreamDesc(backend Backend) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    "WorkerStream",
		Handler:       workerStreamHandlerFunc(backend),
		ServerStreams: true,
		ClientStreams: true,
	}
}

func workerStreamHandlerFunc(backend Backend) func(srv any, stream grpc.ServerStream) error {
	return func(_ any, stream grpc.ServerStream) error {
		h, ok := backend.(WorkerStreamHandler)
		if !ok {
			// Backend opted out of the bidi channel; fall back to an
			// idle stream that only drains incoming frames so the RPC
			// doesn't error for clients that dial it anyway.
			for {
				var env StreamEnvelope
				if err := stream.RecvMsg(&env); err != nil {
					return err
				}
			}
		}
		return h.HandleWorkerStream(stream)
	}
}
