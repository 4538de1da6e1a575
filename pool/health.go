package pool

import (
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// healthServer backs Pool.Start()/Pool.WaitReady(timeout) with a small
// internal gRPC health service: one goroutine serving Serve(listener),
// an idempotent start/stop guard, and reflection registered for
// grpcurl-style probing.
type healthServer struct {
	mu      sync.Mutex
	addr    string
	started bool
	gsrv    *grpc.Server
	impl    *health.Server
}

func newHealthServer(addr string) *healthServer {
	return &healthServer{addr: addr}
}

func (h *healthServer) start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started || h.addr == "" {
		return nil
	}

	list, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}

	h.impl = health.NewServer()
	h.gsrv = grpc.NewServer()
	healthpb.RegisterHealthServer(h.gsrv, h.impl)
	reflection.Register(h.gsrv)

	go func() {
		if err := h.gsrv.Serve(list); err != nil {
			log.Errorf("pool: health server stopped: %v", err)
		}
	}()

	h.started = true
	return nil
}

func (h *healthServer) setServing() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.impl != nil {
		h.impl.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}
}

func (h *healthServer) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		return
	}
	h.gsrv.Stop()
	h.started = false
}
