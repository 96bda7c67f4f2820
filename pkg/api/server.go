package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/swapflow/pkg/broadcast"
	"github.com/uhyunpark/swapflow/pkg/metrics"
	"github.com/uhyunpark/swapflow/pkg/order"
	"github.com/uhyunpark/swapflow/pkg/queue"
	"github.com/uhyunpark/swapflow/pkg/store"
	"github.com/uhyunpark/swapflow/pkg/util"
)

// Queue admits orders and reports job counts.
type Queue interface {
	Enqueue(ctx context.Context, o order.Order) error
	Metrics(ctx context.Context) (queue.Counts, error)
}

type Options struct {
	// PublicURL is the websocket base returned in submit responses.
	PublicURL      string
	AllowedOrigins []string
	Clock          util.Clock
}

// Server handles REST and websocket traffic for order submission and tracking.
type Server struct {
	router *mux.Router
	queue  Queue
	hub    *broadcast.Hub
	store  store.Gateway
	opts   Options
	logger *zap.SugaredLogger
}

func NewServer(opts Options, q Queue, hub *broadcast.Hub, gw store.Gateway, logger *zap.SugaredLogger) *Server {
	if opts.PublicURL == "" {
		opts.PublicURL = "ws://localhost:3000"
	}
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	s := &Server{
		router: mux.NewRouter(),
		queue:  q,
		hub:    hub,
		store:  gw,
		opts:   opts,
		logger: util.OrNop(logger),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Orders
	api.HandleFunc("/orders/execute", s.handleExecute).Methods("POST")
	api.HandleFunc("/orders/ws", s.handleOrderStream).Methods("GET")
	api.HandleFunc("/orders/history/{walletAddress}", s.handleHistory).Methods("GET")
	api.HandleFunc("/orders/{orderId}", s.handleGetOrder).Methods("GET")

	// Queue
	api.HandleFunc("/queue/metrics", s.handleQueueMetrics).Methods("GET")

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("api_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	s.logger.Infow("api_stopped")
	return nil
}

// Submit validates req, records the order and enqueues it. When the queue is
// unavailable the order is recorded as failed and the error is returned.
func (s *Server) Submit(ctx context.Context, req order.Request) (order.Order, error) {
	o, err := order.New(req, s.opts.Clock.Now())
	if err != nil {
		metrics.OrdersSubmitted.WithLabelValues("rejected").Inc()
		return order.Order{}, err
	}
	if err := s.store.SaveOrder(ctx, o); err != nil {
		metrics.PersistenceFailures.WithLabelValues(string(order.StatusPending)).Inc()
		s.logger.Warnw("persistence_failed", "order_id", o.ID, "status", o.Status, "err", err)
	}
	if err := s.queue.Enqueue(ctx, o); err != nil {
		metrics.OrdersSubmitted.WithLabelValues("unavailable").Inc()
		if perr := s.store.UpdateOrderStatus(ctx, o.ID, order.StatusFailed, order.Fields{ErrorMessage: err.Error()}); perr != nil {
			s.logger.Warnw("persistence_failed", "order_id", o.ID, "status", order.StatusFailed, "err", perr)
		}
		return o, err
	}
	metrics.OrdersSubmitted.WithLabelValues("accepted").Inc()
	s.logger.Infow("order_submitted", "order_id", o.ID, "wallet", o.WalletAddress,
		"token_in", o.TokenIn, "token_out", o.TokenOut, "amount_in", o.AmountIn, "slippage", o.Slippage)
	return o, nil
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req order.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid order request", err.Error())
		return
	}

	o, err := s.Submit(r.Context(), req)
	switch {
	case errors.Is(err, order.ErrValidation):
		respondError(w, http.StatusBadRequest, "Invalid order request", err.Error())
		return
	case errors.Is(err, queue.ErrQueueUnavailable):
		respondError(w, http.StatusServiceUnavailable, "Order queue unavailable", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "Order submission failed", err.Error())
		return
	}

	respondJSON(w, SubmitOrderResponse{
		OrderID: o.ID,
		Status:  string(order.StatusPending),
		Message: "Order submitted successfully. Connect to WebSocket for live updates.",
		WsURL:   s.streamURL(o.ID),
	})
}

func (s *Server) streamURL(orderID string) string {
	return s.opts.PublicURL + "/api/orders/ws?orderId=" + url.QueryEscape(orderID)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["orderId"]
	o, err := s.store.GetOrder(r.Context(), id)
	if errors.Is(err, order.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Order not found", "")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Order lookup failed", err.Error())
		return
	}
	respondJSON(w, o)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	wallet := mux.Vars(r)["walletAddress"]
	limit := store.DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "Invalid limit", raw)
			return
		}
		limit = n
	}
	orders, err := s.store.GetOrderHistory(r.Context(), wallet, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "History lookup failed", err.Error())
		return
	}
	respondJSON(w, orders)
}

func (s *Server) handleQueueMetrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.queue.Metrics(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "Order queue unavailable", err.Error())
		return
	}
	respondJSON(w, counts)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, HealthResponse{
		Status:              "healthy",
		Timestamp:           s.opts.Clock.Now(),
		ActiveSubscriptions: s.hub.ActiveCount(),
	})
}

// ==============================
// Helper Functions
// ==============================

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
