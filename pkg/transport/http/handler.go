package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/samueltorres/rediscounter/pkg/hostinfo"
)

// Store is the part of the store connection manager the handlers rely on.
type Store interface {
	EnsureConnected(ctx context.Context) error
	Ping(ctx context.Context) error
	Incr(ctx context.Context, key string) (int64, error)
}

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readyResponse struct {
	Ready bool `json:"ready"`
}

type counterResponse struct {
	Service           string `json:"service"`
	ContainerIP       string `json:"container_ip"`
	ContainerHostname string `json:"container_hostname"`
	RequestIP         string `json:"request_ip"`
	Count             int64  `json:"count"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type counterHandler struct {
	store       Store
	resolve     func() hostinfo.Identity
	serviceName string
	counterKey  string
	logger      *logrus.Logger
}

func (h *counterHandler) handleHealthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := h.check(r.Context()); err != nil {
		h.logger.WithError(err).Warn("health check failed")
		writeJSON(w, http.StatusInternalServerError, healthResponse{Status: "down", Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (h *counterHandler) handleReadyz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := h.check(r.Context()); err != nil {
		h.logger.WithError(err).Warn("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, readyResponse{Ready: false})
		return
	}

	writeJSON(w, http.StatusOK, readyResponse{Ready: true})
}

func (h *counterHandler) handleCount(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()

	err := h.store.EnsureConnected(ctx)
	if err != nil {
		h.logger.WithError(err).Warn("could not increment counter")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	count, err := h.store.Incr(ctx, h.counterKey)
	if err != nil {
		h.logger.WithError(err).Warn("could not increment counter")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	id := h.resolve()
	writeJSON(w, http.StatusOK, counterResponse{
		Service:           h.serviceName,
		ContainerIP:       id.IP,
		ContainerHostname: id.Hostname,
		RequestIP:         requestIP(r),
		Count:             count,
	})
}

func (h *counterHandler) check(ctx context.Context) error {
	if err := h.store.EnsureConnected(ctx); err != nil {
		return err
	}
	return h.store.Ping(ctx)
}

// requestIP returns the X-Forwarded-For header as sent by the client, without
// validation, or the peer address when the header is absent.
func requestIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
