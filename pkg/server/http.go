package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/geoassist/pkg/config"
	"github.com/kadirpekel/geoassist/pkg/observability"
	"github.com/kadirpekel/geoassist/pkg/sqltemplate"
)

// Handler assembles the routes. Health and metrics stay open; the session
// endpoint and the queries sit behind CORS and, when enabled, bearer auth.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(observability.HTTPMiddleware)
	r.Use(s.corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	if config.BoolValue(s.cfg.Observability.Metrics.Enabled, true) {
		r.Method(http.MethodGet, s.cfg.Observability.Metrics.Path, observability.MetricsHandler())
	}

	r.Group(func(r chi.Router) {
		if s.validator != nil {
			r.Use(s.validator.Middleware)
		}
		r.Get("/ws", s.handleWS)
		r.Get("/map-figure", s.handleMapFigure)
		r.Get("/query/lat-long/{lat}/{lon}", s.handleLatLong)
	})

	return r
}

// corsMiddleware mirrors the configured origins. An empty list allows any
// origin, which suits local development.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	origins := s.cfg.Server.CORSOrigins
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if len(origins) == 0 {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				for _, allowed := range origins {
					if allowed == "*" || allowed == origin {
						w.Header().Set("Access-Control-Allow-Origin", origin)
						break
					}
				}
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleWS upgrades the connection and runs the session until the client
// leaves. One connection is one conversation.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	sess, err := s.newSession(conn)
	if err != nil {
		s.log.Error("Failed to build session", "error", err)
		_ = conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	s.trackSession(sess)
	defer s.untrackSession(sess)
	sess.run()
}

// acceptOptions derives the WebSocket origin allowlist from the CORS
// configuration. A wildcard or empty list skips origin verification.
func (s *Server) acceptOptions() *websocket.AcceptOptions {
	patterns := make([]string, 0, len(s.cfg.Server.CORSOrigins))
	for _, origin := range s.cfg.Server.CORSOrigins {
		if origin == "*" {
			return &websocket.AcceptOptions{InsecureSkipVerify: true}
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		} else {
			patterns = append(patterns, origin)
		}
	}
	if len(patterns) == 0 {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	return &websocket.AcceptOptions{OriginPatterns: patterns}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMapFigure(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.figure())
}

// handleLatLong runs the point query against the configured default table.
// The geometry column is stripped from the response rows.
func (s *Server) handleLatLong(w http.ResponseWriter, r *http.Request) {
	lat, err := strconv.ParseFloat(chi.URLParam(r, "lat"), 64)
	if err != nil {
		http.Error(w, "invalid latitude", http.StatusBadRequest)
		return
	}
	lon, err := strconv.ParseFloat(chi.URLParam(r, "lon"), 64)
	if err != nil {
		http.Error(w, "invalid longitude", http.StatusBadRequest)
		return
	}
	if s.cfg.Map.DefaultTable == "" {
		http.Error(w, "no default table configured", http.StatusServiceUnavailable)
		return
	}

	rows, err := s.deps.Runner.Exec(r.Context(), sqltemplate.TemplateLatLong, sqltemplate.LatLongArgs{
		Schema:         s.cfg.Database.BaseSchema,
		Table:          s.cfg.Map.DefaultTable,
		GeometryColumn: s.cfg.Map.GeometryColumn,
		Latitude:       lat,
		Longitude:      lon,
	})
	if err != nil {
		s.log.Error("Point query failed", "error", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	for _, row := range rows {
		delete(row, s.cfg.Map.GeometryColumn)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
