package server

import (
	"encoding/json"
	"net/http"

	"github.com/voxgate/voxgate/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether this replica should receive new connections.
// Draining replicas and replicas whose coordination store is unreachable
// answer 503 so the load balancer routes elsewhere.
type ReadyHandler struct {
	Lifecycle  *lifecycle.Lifecycle
	StoreCheck func() error
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK     bool     `json:"ok"`
		Issues []string `json:"issues,omitempty"`
	}

	var issues []string
	if h.Lifecycle.IsDraining() {
		issues = append(issues, "draining")
	}
	if h.StoreCheck != nil {
		if err := h.StoreCheck(); err != nil {
			issues = append(issues, "coordination store unreachable: "+err.Error())
		}
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{OK: ok, Issues: issues})
}
