// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/HAK978/Query-Engine-Agent/config"
)

const (
	maxBodyBytes = 1 << 20

	headerRequestID       = "X-Request-ID"
	headerPrincipalID     = "X-Principal-ID"
	headerPrincipalPrefix = "X-Principal-"
)

// Server is the HTTP surface of the engine
type Server struct {
	engine  *Engine
	cfg     *config.Config
	started time.Time
}

// NewServer creates the HTTP surface for engine
func NewServer(engine *Engine, cfg *config.Config) *Server {
	return &Server{engine: engine, cfg: cfg, started: time.Now()}
}

// Router returns the routes without middleware
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/metrics", s.metricsHandler).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/api/v1/query", s.queryHandler).Methods("POST")
	r.HandleFunc("/api/v1/cache/invalidate", s.invalidateHandler).Methods("POST")
	return r
}

// Handler returns the router wrapped in CORS. With no configured origins
// no cross-origin request is allowed, and a wildcard origin never gets
// credentials.
//
// Row policy scope is read from X-Principal-* headers. The edge gateway
// must strip them from client traffic and set them itself.
func (s *Server) Handler() http.Handler {
	origins := s.cfg.Server.CORSOrigins
	if len(origins) == 0 {
		return s.Router()
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: !slices.Contains(origins, "*"),
	})
	return c.Handler(s.Router())
}

func (s *Server) queryHandler(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(headerRequestID)
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set(headerRequestID, requestID)

	var req IntentRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		s.sendError(w, &QueryError{
			RequestID: requestID,
			Cause:     &InvalidIntentError{Reason: "request body is not valid JSON"},
		})
		return
	}

	ctx := ContextWithRequestID(r.Context(), requestID)
	resp, err := s.engine.Query(ctx, &req, principalFromRequest(r))
	if err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type invalidateRequest struct {
	Tag string `json:"tag"`
}

func (s *Server) invalidateHandler(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.sendError(w, &InvalidIntentError{Reason: "request body is not valid JSON"})
		return
	}

	removed, err := s.engine.Invalidate(r.Context(), strings.TrimSpace(req.Tag))
	if err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id":       s.engine.AgentID(),
		"status":         StatusSuccess,
		"tag":            req.Tag,
		"invalidated":    removed,
		"invalidated_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthy, sources := s.engine.Health(r.Context())

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		// a failing source degrades answers but the engine still serves
		status = "degraded"
	}

	writeJSON(w, code, map[string]interface{}{
		"status":         status,
		"service":        "query-engine",
		"agent_id":       s.engine.AgentID(),
		"version":        s.cfg.Version,
		"timestamp":      time.Now().UTC(),
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"sources":        sources,
	})
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) sendError(w http.ResponseWriter, err error) {
	resp, code := NewErrorResponse(s.engine.AgentID(), err)
	writeJSON(w, code, resp)
}

// principalFromRequest reads the caller identity set by the upstream
// gateway: X-Principal-ID plus one X-Principal-<Attr> header per attribute,
// where Tenant-Id becomes tenant_id. The headers are trusted as-is.
func principalFromRequest(r *http.Request) Principal {
	p := Principal{ID: r.Header.Get(headerPrincipalID), Attributes: map[string]string{}}
	for name, values := range r.Header {
		if len(values) == 0 || !strings.HasPrefix(name, headerPrincipalPrefix) {
			continue
		}
		attr := strings.TrimPrefix(name, headerPrincipalPrefix)
		if strings.EqualFold(attr, "ID") {
			continue
		}
		attr = strings.ToLower(strings.ReplaceAll(attr, "-", "_"))
		p.Attributes[attr] = values[0]
	}
	return p
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
