package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/GPTx-global/flightsurety-oracle/oracle/log"
)

const (
	// Banner is served on /api for dapp clients.
	Banner = "An API for use with your Dapp!"

	readHeaderTimeout     = 10 * time.Second
	serverShutdownTimeout = 10 * time.Second
)

// Server exposes the banner, health and metrics endpoints.
type Server struct {
	listen   string
	checker  *HealthChecker
	gatherer prometheus.Gatherer
	handler  http.Handler
	srv      *http.Server
}

// NewServer builds the router. gatherer may be nil, in which case /metrics is not served.
func NewServer(listen string, allowedOrigins []string, checker *HealthChecker, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		listen:   listen,
		checker:  checker,
		gatherer: gatherer,
	}

	router := mux.NewRouter()
	router.HandleFunc("/api", s.handleAPI).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	s.handler = cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet},
	}).Handler(router)

	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Serve listens on the configured address and blocks until Shutdown.
func (s *Server) Serve() error {
	listener, err := net.Listen("tcp", s.listen)
	if err != nil {
		return err
	}
	return s.ServeListener(listener)
}

func (s *Server) ServeListener(listener net.Listener) error {
	log.Info("HTTP server listening", "addr", listener.Addr().String())

	err := s.srv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": Banner})
}

type healthResponse struct {
	Healthy bool                    `json:"healthy"`
	Checks  map[string]HealthStatus `json:"checks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Healthy: s.checker.IsHealthy(),
		Checks:  s.checker.GetStatus(),
	}

	code := http.StatusOK
	if !resp.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("failed to write response", "err", err.Error())
	}
}
