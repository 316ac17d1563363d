package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"device-auth-service/internal/util"
)

// HealthChecker reports the health of each backend by name. A nil error is healthy.
type HealthChecker interface {
	HealthCheck(ctx context.Context) map[string]error
}

type RouterConfig struct {
	RequireTLS   bool
	RateLimiter  RateLimiter
	OTPRequests  int
	OTPWindow    time.Duration
	Health       HealthChecker
	ServiceName  string
	AllowOrigins []string
}

// requireHTTPS rejects any request that wasn't made over TLS
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			writeJSON(w, http.StatusUpgradeRequired, errorResponse("https_required", "HTTPS is required.", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(cfg RouterConfig, otpHandler *OTPHandler, deviceHandler *DeviceHandler, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	if cfg.RequireTLS {
		router.Use(requireHTTPS)
	}

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"https://*"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", healthHandler(cfg))

	router.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if cfg.RateLimiter != nil && cfg.OTPRequests > 0 {
				r.Use(RateLimit(cfg.RateLimiter, "otp", cfg.OTPRequests, cfg.OTPWindow, logger))
			}
			otpHandler.RegisterRoutes(r)
		})
		deviceHandler.RegisterRoutes(r)
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse("not_found", "endpoint not found", nil))
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse("method_not_allowed", "method not allowed", nil))
	})

	return router
}

func healthHandler(cfg RouterConfig) http.HandlerFunc {
	name := cfg.ServiceName
	if name == "" {
		name = "device-auth-service"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		components := map[string]string{}
		healthy := true
		if cfg.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			for component, err := range cfg.Health.HealthCheck(ctx) {
				if err != nil {
					healthy = false
					components[component] = err.Error()
					continue
				}
				components[component] = "ok"
			}
		}
		data := map[string]interface{}{"service": name, "components": components}
		if !healthy {
			util.Warn("Health check failed", zap.Any("components", components))
			writeJSON(w, http.StatusServiceUnavailable, errorResponse("unhealthy", "one or more backends are unavailable", data))
			return
		}
		writeJSON(w, http.StatusOK, successResponse(data, "healthy"))
	}
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
