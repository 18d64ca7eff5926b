// Package api provides the local control API for the node: status,
// network membership, and peer inspection over a token-authenticated
// HTTP endpoint bound to localhost.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wisdark/ztnode/internal/engine"
	"github.com/wisdark/ztnode/internal/events"
	"github.com/wisdark/ztnode/internal/version"
)

// Node is the service surface the API exposes.
type Node interface {
	Address() uint64
	Online() bool
	Ports() (primary, secondary, tertiary uint16)
	Uptime() time.Duration
	Networks() []events.NetworkDetails
	PortDeviceName(networkID uint64) (string, bool)
	Peers() []engine.PeerInfo
	Join(networkID uint64) error
	Leave(networkID uint64) error
}

// API serves the control endpoints for one node.
type API struct {
	node    Node
	token   string
	metrics http.Handler
}

// Config holds API dependencies.
type Config struct {
	Node    Node
	Token   string
	Metrics http.Handler // optional, mounted at /metrics
}

// New creates an API server.
func New(cfg Config) *API {
	return &API{
		node:    cfg.Node,
		token:   cfg.Token,
		metrics: cfg.Metrics,
	}
}

// Router returns the HTTP router for the API.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	if a.token != "" {
		r.Use(a.authMiddleware)
	}

	r.Get("/status", a.handleStatus)
	r.Route("/networks", func(r chi.Router) {
		r.Get("/", a.handleListNetworks)
		r.Get("/{id}", a.handleGetNetwork)
		r.Post("/{id}", a.handleJoin)
		r.Delete("/{id}", a.handleLeave)
	})
	r.Get("/peers", a.handleListPeers)

	if a.metrics != nil {
		r.Handle("/metrics", a.metrics)
	}

	return r
}

// authMiddleware accepts the node auth token via the X-ZT1-Auth header, a
// bearer token, or a query parameter.
func (a *API) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-ZT1-Auth")
		if token == "" {
			token = r.Header.Get("Authorization")
			if len(token) > 7 && token[:7] == "Bearer " {
				token = token[7:]
			}
		}
		if token == "" {
			token = r.URL.Query().Get("auth")
		}

		if token != a.token {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusResponse struct {
	Address       string `json:"address"`
	Version       string `json:"version"`
	Online        bool   `json:"online"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	PrimaryPort   uint16 `json:"primaryPort"`
	SecondaryPort uint16 `json:"secondaryPort,omitempty"`
	TertiaryPort  uint16 `json:"tertiaryPort,omitempty"`
}

type networkResponse struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Status            string          `json:"status"`
	MAC               string          `json:"mac"`
	MTU               int             `json:"mtu"`
	PortDeviceName    string          `json:"portDeviceName,omitempty"`
	AssignedAddresses []string        `json:"assignedAddresses"`
	Routes            []routeResponse `json:"routes"`
}

type routeResponse struct {
	Target string `json:"target"`
	Via    string `json:"via,omitempty"`
	Metric uint16 `json:"metric"`
}

type peerResponse struct {
	Address string         `json:"address"`
	Version string         `json:"version,omitempty"`
	Latency int            `json:"latency"`
	Role    string         `json:"role"`
	Paths   []pathResponse `json:"paths"`
}

type pathResponse struct {
	Address     string `json:"address"`
	LastSend    int64  `json:"lastSend"`
	LastReceive int64  `json:"lastReceive"`
	Expired     bool   `json:"expired"`
	Preferred   bool   `json:"preferred"`
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	primary, secondary, tertiary := a.node.Ports()
	writeJSON(w, http.StatusOK, statusResponse{
		Address:       fmt.Sprintf("%.10x", a.node.Address()),
		Version:       version.String(),
		Online:        a.node.Online(),
		UptimeSeconds: int64(a.node.Uptime().Seconds()),
		PrimaryPort:   primary,
		SecondaryPort: secondary,
		TertiaryPort:  tertiary,
	})
}

func (a *API) handleListNetworks(w http.ResponseWriter, r *http.Request) {
	nets := a.node.Networks()
	out := make([]networkResponse, 0, len(nets))
	for i := range nets {
		out = append(out, a.networkResponse(&nets[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleGetNetwork(w http.ResponseWriter, r *http.Request) {
	id, ok := networkIDParam(w, r)
	if !ok {
		return
	}
	for _, n := range a.node.Networks() {
		if n.NetworkID == id {
			writeJSON(w, http.StatusOK, a.networkResponse(&n))
			return
		}
	}
	writeError(w, http.StatusNotFound, "network not found")
}

func (a *API) handleJoin(w http.ResponseWriter, r *http.Request) {
	id, ok := networkIDParam(w, r)
	if !ok {
		return
	}
	if err := a.node.Join(id); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": fmt.Sprintf("%.16x", id), "result": "joined"})
}

func (a *API) handleLeave(w http.ResponseWriter, r *http.Request) {
	id, ok := networkIDParam(w, r)
	if !ok {
		return
	}
	if err := a.node.Leave(id); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": fmt.Sprintf("%.16x", id), "result": "left"})
}

func (a *API) handleListPeers(w http.ResponseWriter, r *http.Request) {
	peers := a.node.Peers()
	out := make([]peerResponse, 0, len(peers))
	for i := range peers {
		p := &peers[i]
		pr := peerResponse{
			Address: fmt.Sprintf("%.10x", p.Address),
			Latency: p.Latency,
			Role:    p.Role.String(),
			Paths:   make([]pathResponse, 0, len(p.Paths)),
		}
		if p.Version[0] >= 0 {
			pr.Version = fmt.Sprintf("%d.%d.%d", p.Version[0], p.Version[1], p.Version[2])
		}
		for _, path := range p.Paths {
			pr.Paths = append(pr.Paths, pathResponse{
				Address:     path.Address.String(),
				LastSend:    path.LastSend,
				LastReceive: path.LastReceive,
				Expired:     path.Expired,
				Preferred:   path.Preferred,
			})
		}
		out = append(out, pr)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) networkResponse(n *events.NetworkDetails) networkResponse {
	out := networkResponse{
		ID:                fmt.Sprintf("%.16x", n.NetworkID),
		Name:              n.Name,
		Status:            n.Status.String(),
		MAC:               fmt.Sprintf("%.12x", n.MAC),
		MTU:               n.MTU,
		AssignedAddresses: make([]string, 0, len(n.AssignedAddresses)),
		Routes:            make([]routeResponse, 0, len(n.Routes)),
	}
	if name, ok := a.node.PortDeviceName(n.NetworkID); ok {
		out.PortDeviceName = name
	}
	for _, p := range n.AssignedAddresses {
		out.AssignedAddresses = append(out.AssignedAddresses, p.String())
	}
	for _, rt := range n.Routes {
		rr := routeResponse{Target: rt.Target.String(), Metric: rt.Metric}
		if rt.Via != (netip.Addr{}) {
			rr.Via = rt.Via.String()
		}
		out.Routes = append(out.Routes, rr)
	}
	return out
}

// networkIDParam parses the 16-hex-digit network ID path parameter.
func networkIDParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "id")
	if len(raw) != 16 {
		writeError(w, http.StatusBadRequest, "network ID must be 16 hex digits")
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 16, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid network ID")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
