package store

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var ErrNotConnected = errors.New("store is not connected")
var ErrClosed = errors.New("store connection is closed")

// Client is the minimal operation set a backing key-value store must offer.
type Client interface {
	Connect(ctx context.Context) error
	Ping(ctx context.Context) error
	Incr(ctx context.Context, key string) (int64, error)
	Close() error
}

// ErrorHandler receives connection errors that happen outside of any request.
type ErrorHandler func(err error)

// ErrorNotifier is implemented by clients able to report asynchronous
// connection errors.
type ErrorNotifier interface {
	OnError(h ErrorHandler)
}

// State of the connection handle.
type State int

const (
	Unconnected State = iota
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	}
	return "unknown"
}

type managerMetrics struct {
	connectTotal   *prometheus.CounterVec
	operationTotal *prometheus.CounterVec
	state          prometheus.Gauge
}

func newManagerMetrics(r prometheus.Registerer) *managerMetrics {
	var m managerMetrics

	m.connectTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "store_connect_total",
		Help: "Total store connect handshakes",
	}, []string{"result"})

	m.operationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "store_operation_total",
		Help: "Total store operations",
	}, []string{"operation", "result"})

	m.state = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "store_connection_state",
		Help: "Store connection state (0 unconnected, 1 connected, 2 closed)",
	})

	r.MustRegister(m.connectTotal, m.operationTotal, m.state)
	return &m
}

func (m *managerMetrics) observe(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operationTotal.WithLabelValues(operation, result).Inc()
}

// Manager owns the single connection handle to the store. It connects lazily
// and is meant to be shared by every request handler of the process.
type Manager struct {
	client  Client
	logger  *logrus.Logger
	metrics *managerMetrics

	mux   sync.RWMutex
	state State
}

// NewManager creates a manager in the Unconnected state. onError is registered
// on the client once, when the client supports it. A nil onError is ignored.
func NewManager(client Client, onError ErrorHandler, logger *logrus.Logger, registerer prometheus.Registerer) *Manager {
	if n, ok := client.(ErrorNotifier); ok && onError != nil {
		n.OnError(onError)
	}

	m := &Manager{
		client:  client,
		logger:  logger,
		metrics: newManagerMetrics(registerer),
	}
	m.setState(Unconnected)

	return m
}

// EnsureConnected performs the connect handshake if the handle is not open yet.
// Concurrent callers block on the same attempt.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	m.mux.RLock()
	state := m.state
	m.mux.RUnlock()

	switch state {
	case Connected:
		return nil
	case Closed:
		return ErrClosed
	}

	m.mux.Lock()
	defer m.mux.Unlock()

	// another caller may have finished connecting while we waited
	switch m.state {
	case Connected:
		return nil
	case Closed:
		return ErrClosed
	}

	if err := m.client.Connect(ctx); err != nil {
		m.metrics.connectTotal.WithLabelValues("error").Inc()
		return errors.Wrap(err, "could not connect to store")
	}

	m.metrics.connectTotal.WithLabelValues("ok").Inc()
	m.setState(Connected)
	m.logger.Info("store connected")

	return nil
}

// Ping checks the store liveness on the open connection.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.ready(); err != nil {
		return err
	}

	err := m.client.Ping(ctx)
	m.metrics.observe("ping", err)

	return err
}

// Incr atomically increments key on the store and returns the new value.
func (m *Manager) Incr(ctx context.Context, key string) (int64, error) {
	if err := m.ready(); err != nil {
		return 0, err
	}

	n, err := m.client.Incr(ctx, key)
	m.metrics.observe("incr", err)

	return n, err
}

// Quit closes the connection. The handle can not be reopened afterwards.
func (m *Manager) Quit() error {
	m.mux.Lock()
	defer m.mux.Unlock()

	if m.state == Closed {
		return ErrClosed
	}

	wasConnected := m.state == Connected
	m.setState(Closed)

	if !wasConnected {
		return nil
	}

	err := m.client.Close()
	m.metrics.observe("quit", err)
	if err != nil {
		return errors.Wrap(err, "could not close store connection")
	}

	return nil
}

// State returns the current state of the handle.
func (m *Manager) State() State {
	m.mux.RLock()
	defer m.mux.RUnlock()

	return m.state
}

func (m *Manager) ready() error {
	switch m.State() {
	case Unconnected:
		return ErrNotConnected
	case Closed:
		return ErrClosed
	}
	return nil
}

func (m *Manager) setState(s State) {
	m.state = s
	m.metrics.state.Set(float64(s))
}

// LogErrors returns an ErrorHandler that writes asynchronous store errors to logger.
func LogErrors(logger *logrus.Logger, component string) ErrorHandler {
	return func(err error) {
		logger.WithField("component", component).Errorf("%s error: %v", component, err)
	}
}
