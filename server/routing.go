package server

import "net/http"

// setupHTTPRoutes configures all HTTP handlers
func (s *Server) setupHTTPRoutes() {
	// Push channels
	s.mux.HandleFunc("/events/stream", s.corsMiddleware(s.HandleEventStream))
	s.mux.HandleFunc("/ws", s.corsMiddleware(s.HandleWebSocket))

	// Diagnostics
	s.mux.HandleFunc("/api/events/status", s.corsMiddleware(s.HandleEventStatus))
	s.mux.HandleFunc("/health", s.corsMiddleware(s.HandleHealth))

	// Task commands
	s.mux.HandleFunc("/api/tasks", s.corsMiddleware(s.HandleTasks))
	s.mux.HandleFunc("/api/tasks/", s.corsMiddleware(s.HandleTask))
}

// corsMiddleware allows cross-origin requests from configured origins.
// An empty allowlist permits any origin, matching local-first usage
// where the frontend port varies.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

func (s *Server) originAllowed(origin string) bool {
	allowed := s.cfg.Server.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == origin || a == "*" {
			return true
		}
	}
	return false
}
