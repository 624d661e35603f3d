package http

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/samueltorres/rediscounter/pkg/hostinfo"
)

type options struct {
	listen          string
	serviceName     string
	counterKey      string
	shutdownTimeout time.Duration
	resolve         func() hostinfo.Identity
}

type Option func(*options)

func WithListen(addr string) Option {
	return func(o *options) {
		o.listen = addr
	}
}

func WithServiceName(name string) Option {
	return func(o *options) {
		o.serviceName = name
	}
}

func WithCounterKey(key string) Option {
	return func(o *options) {
		o.counterKey = key
	}
}

// WithShutdownTimeout bounds how long Stop waits for in-flight requests.
// Zero waits until every request is done.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		o.shutdownTimeout = d
	}
}

// WithResolver replaces the host identity resolver.
func WithResolver(resolve func() hostinfo.Identity) Option {
	return func(o *options) {
		o.resolve = resolve
	}
}

// Server serves the probes and the counter endpoint.
type Server struct {
	opts   options
	server *http.Server
	logger *logrus.Logger
}

func New(store Store, logger *logrus.Logger, registerer prometheus.Registerer, opts ...Option) *Server {
	o := options{
		listen:      ":3000",
		serviceName: "node-redis-counter",
		counterKey:  "global:hits",
		resolve:     hostinfo.Resolve,
	}
	for _, opt := range opts {
		opt(&o)
	}

	h := &counterHandler{
		store:       store,
		resolve:     o.resolve,
		serviceName: o.serviceName,
		counterKey:  o.counterKey,
		logger:      logger,
	}
	m := newMetricsMiddleware(registerer)

	router := httprouter.New()
	router.GET("/healthz", m.Handler("healthz", h.handleHealthz))
	router.GET("/readyz", m.Handler("readyz", h.handleReadyz))
	router.GET("/", m.Handler("count", h.handleCount))

	return &Server{
		opts:   o,
		server: &http.Server{Handler: router},
		logger: logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.Handler.ServeHTTP(w, r)
}

// Start binds the listening socket and serves until Stop is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.listen)
	if err != nil {
		return errors.Wrapf(err, "could not listen on %s", s.opts.listen)
	}

	return s.Serve(ln)
}

// Serve serves on an already bound listener.
func (s *Server) Serve(ln net.Listener) error {
	id := s.opts.resolve()
	s.logger.Infof("[startup] %s listening on %s (host=%s ip=%s)", s.opts.serviceName, listenPort(ln.Addr()), id.Hostname, id.IP)

	err := s.server.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop stops accepting connections and waits for in-flight requests.
func (s *Server) Stop(err error) {
	ctx := context.Background()
	if s.opts.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.shutdownTimeout)
		defer cancel()
	}

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("http server shutdown")
	}
}

func listenPort(addr net.Addr) string {
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return port
}

// DebugServer exposes the prometheus registry on /metrics.
type DebugServer struct {
	listen string
	server *http.Server
	logger *logrus.Logger
}

func NewDebugServer(gatherer prometheus.Gatherer, logger *logrus.Logger, listen string) *DebugServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &DebugServer{
		listen: listen,
		server: &http.Server{Addr: listen, Handler: mux},
		logger: logger,
	}
}

func (s *DebugServer) Start() error {
	s.logger.Infof("debug server listening on %s", s.listen)

	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *DebugServer) Stop(err error) {
	if err := s.server.Close(); err != nil {
		s.logger.WithError(err).Error("debug server close")
	}
}
