package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/sparrowinvest/mfengine/internal/api/handlers"
	"github.com/sparrowinvest/mfengine/internal/engine"
	"github.com/sparrowinvest/mfengine/pkg/logger"
)

// NewRouter creates and configures the HTTP router.
// timeline may be nil (no websocket stream).
// ⭐ SSOT: 라우팅 설정은 이 함수에서만
func NewRouter(svc *engine.Service, timeline http.Handler, log *logger.Logger) http.Handler {
	r := mux.NewRouter()

	orders := handlers.NewOrderHandler(svc, log)
	mandates := handlers.NewMandateHandler(svc, log)
	callbacks := handlers.NewCallbackHandler(svc, log)
	review := handlers.NewReviewHandler(svc, log)

	// Health check
	r.HandleFunc("/health", healthCheckHandler).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()

	// Orders
	api.HandleFunc("/orders", orders.CreateOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", orders.GetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}/cancel", orders.CancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id}/payment", orders.InitiatePayment).Methods("POST")
	api.HandleFunc("/orders/{id}/refresh", orders.RefreshOrder).Methods("POST")

	// Mandates
	api.HandleFunc("/mandates", mandates.CreateMandate).Methods("POST")
	api.HandleFunc("/mandates/{id}", mandates.GetMandate).Methods("GET")
	api.HandleFunc("/mandates/{id}/cancel", mandates.CancelMandate).Methods("POST")
	api.HandleFunc("/mandates/{id}/refresh", mandates.RefreshMandate).Methods("POST")

	// Inbound pushes
	api.HandleFunc("/callbacks/payment", callbacks.PaymentResult).Methods("POST")
	api.HandleFunc("/callbacks/{exchange}/order-status", callbacks.OrderStatus).Methods("POST")

	// Manual review
	api.HandleFunc("/review", review.List).Methods("GET")
	api.HandleFunc("/review/{entity}/{id}/clear", review.Clear).Methods("POST")

	if timeline != nil {
		r.Handle("/ws/timeline", timeline).Methods("GET")
	}

	// Apply middleware
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(log))
	r.Use(recoveryMiddleware(log))

	return r
}

// healthCheckHandler returns server health status
func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"service": "mfengine-api",
	})
}

// requestIDMiddleware echoes or assigns X-Request-ID
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-ID", id)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working behind the recorder
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			// 쿼리스트링/본문은 남기지 않음 (PII)
			log.WithFields(map[string]interface{}{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     rec.status,
				"request_id": r.Header.Get("X-Request-ID"),
				"duration":   time.Since(start),
			}).Debug("HTTP request")
		})
	}
}

// recoveryMiddleware recovers from panics
func recoveryMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.WithFields(map[string]interface{}{
						"error": err,
						"path":  r.URL.Path,
					}).Error("Panic recovered")

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					json.NewEncoder(w).Encode(map[string]string{
						"error": "Internal server error",
					})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
