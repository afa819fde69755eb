// Package api serves the read-only status REST endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"plclink/config"
	"plclink/device"
	"plclink/logging"
)

// Provider exposes the engine state the API renders. Narrowed to an
// interface so handler tests run against a fixture.
type Provider interface {
	Uptime() time.Duration
	MQTTConnected() bool
	MQTTDropped() int64
	DeviceStatuses() []device.Status
	DeviceValues(name string) ([]Value, bool)
	DeviceModules(name string) ([]string, bool)
}

// Value is one cached variable in a device values response.
type Value struct {
	Module   string      `json:"module"`
	Code     string      `json:"code"`
	Value    interface{} `json:"value"`
	DataType string      `json:"dataType"`
}

// StatusResponse is the JSON document for the status endpoint.
type StatusResponse struct {
	UptimeSeconds float64         `json:"uptime_seconds"`
	MQTTConnected bool            `json:"mqtt_connected"`
	MQTTDropped   int64           `json:"mqtt_dropped"`
	Devices       []device.Status `json:"devices"`
}

// Server is the REST status server.
type Server struct {
	cfg      config.APIConfig
	provider Provider
	router   chi.Router

	mu      sync.Mutex
	server  *http.Server
	running bool
}

// NewServer creates an unstarted server.
func NewServer(cfg config.APIConfig, provider Provider) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/devices", s.handleDevices)
		r.Route("/devices/{device}", func(r chi.Router) {
			r.Get("/values", s.handleDeviceValues)
			r.Get("/modules", s.handleDeviceModules)
		})
	})
	return r
}

// Handler returns the router, used directly by handler tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// corsMiddleware opens the read-only API to browser dashboards.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start begins listening. Idempotent.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("api server: %v", err)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.running = true
	logging.Info("api server listening on %s", addr)
	return nil
}

// Stop shuts the listener down gracefully. Idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	return err
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, StatusResponse{
		UptimeSeconds: s.provider.Uptime().Seconds(),
		MQTTConnected: s.provider.MQTTConnected(),
		MQTTDropped:   s.provider.MQTTDropped(),
		Devices:       s.provider.DeviceStatuses(),
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.provider.DeviceStatuses())
}

func (s *Server) handleDeviceValues(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "device")
	name, _ = url.PathUnescape(name)

	values, ok := s.provider.DeviceValues(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, values)
}

func (s *Server) handleDeviceModules(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "device")
	name, _ = url.PathUnescape(name)

	modules, ok := s.provider.DeviceModules(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, modules)
}
