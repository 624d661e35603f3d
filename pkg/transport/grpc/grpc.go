package grpc

import (
	"context"
	"net"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Store is the part of the store connection manager the health service uses.
type Store interface {
	EnsureConnected(ctx context.Context) error
	Ping(ctx context.Context) error
}

type options struct {
	listen string
}

type Option func(*options)

func WithListen(addr string) Option {
	return func(o *options) {
		o.listen = addr
	}
}

// Server exposes the standard gRPC health checking protocol, reporting the
// same store check as the http readiness probe.
type Server struct {
	opts   options
	server *grpc.Server
	logger *logrus.Logger
}

func NewServer(store Store, logger *logrus.Logger, registerer prometheus.Registerer, opts ...Option) *Server {
	o := options{listen: ":8081"}
	for _, opt := range opts {
		opt(&o)
	}

	metrics := grpc_prometheus.NewServerMetrics()
	server := grpc.NewServer(
		grpc.UnaryInterceptor(metrics.UnaryServerInterceptor()),
		grpc.StreamInterceptor(metrics.StreamServerInterceptor()),
	)
	healthpb.RegisterHealthServer(server, &healthServer{store: store, logger: logger})
	metrics.InitializeMetrics(server)
	registerer.MustRegister(metrics)

	return &Server{
		opts:   o,
		server: server,
		logger: logger,
	}
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.listen)
	if err != nil {
		return errors.Wrapf(err, "could not listen on %s", s.opts.listen)
	}

	return s.Serve(ln)
}

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Infof("grpc health server listening on %s", ln.Addr())
	return s.server.Serve(ln)
}

func (s *Server) Stop() {
	s.server.GracefulStop()
}

type healthServer struct {
	store  Store
	logger *logrus.Logger
}

func (h *healthServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if req.Service != "" {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.Service)
	}

	err := h.store.EnsureConnected(ctx)
	if err == nil {
		err = h.store.Ping(ctx)
	}
	if err != nil {
		h.logger.WithError(err).Warn("grpc health check failed")
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}

	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}

func (h *healthServer) Watch(req *healthpb.HealthCheckRequest, stream healthpb.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "watch is not supported")
}
