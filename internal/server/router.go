package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"

	"github.com/dgnsrekt/whereami/internal/metrics"
)

func NewRouter(s *Server, logger *zap.Logger) (http.Handler, error) {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(zapLoggerMiddleware(logger, s.deps.Metrics))

	// Streaming routes stay uncompressed so every event is flushed as is.
	r.Get("/api/status", s.handleStatus)
	if s.deps.Hub != nil {
		r.Get("/api/ws", s.deps.Hub.HandleWS)
	}
	r.Get("/api/world/{world}/image", s.handleWorldImage)

	compressed := func(h http.Handler) http.Handler { return h }
	if s.opts.Gzip {
		wrap, err := gzhttp.NewWrapper(gzhttp.MinSize(256))
		if err != nil {
			return nil, err
		}
		compressed = func(h http.Handler) http.Handler { return wrap(h) }
	}

	r.Group(func(g chi.Router) {
		g.Use(compressed)
		g.Get("/api/world/current/info.txt", s.handleCurrentWorldInfo)
		g.Get("/api/room/current/link.txt", s.handleCurrentRoomLink)
		g.Get("/api/world/{world}/qr.svg", s.handleWorldQR)
		g.Get("/api/room/{room}/qr.svg", s.handleRoomQR)
		g.Get("/healthz", s.handleHealth)
		if s.deps.Metrics != nil {
			g.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
		}
		if s.opts.ContentDir != "" {
			g.Handle("/*", http.FileServer(http.Dir(s.opts.ContentDir)))
		}
	})

	return r, nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func zapLoggerMiddleware(logger *zap.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			if m != nil {
				m.ObserveHTTP(route, status, elapsed)
			}

			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", elapsed),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
