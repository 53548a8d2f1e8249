package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/witnz/witnz-oracle/internal/consensus"
)

const maxRequestSize = 4 << 20

// Signer answers signature requests from a leader.
type Signer interface {
	Sign(ctx context.Context, req *consensus.SignatureRequest) (*consensus.SignatureResponse, error)
}

type NodeInfo struct {
	Address common.Address `json:"address"`
	Version string         `json:"version"`
	Chains  []string       `json:"chains,omitempty"`
}

type ServerConfig struct {
	Signer Signer
	Info   NodeInfo

	// Gatherer backs /metrics; the route is omitted when nil.
	Gatherer prometheus.Gatherer
}

func NewHandler(logger *slog.Logger, cfg ServerConfig) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	r := mux.NewRouter()
	r.HandleFunc("/signature", handleSignature(logger, cfg)).Methods("POST")
	r.HandleFunc("/info", handleInfo(logger, cfg)).Methods("GET")
	r.HandleFunc("/health", handleHealth).Methods("GET")
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	return r
}

func handleSignature(logger *slog.Logger, cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var sigReq consensus.SignatureRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestSize)).Decode(&sigReq); err != nil {
			logger.Warn("Failed to decode signature request", "error", err)
			writeJSON(logger, w, http.StatusBadRequest, consensus.SignatureResponse{Error: "invalid request payload"})
			return
		}

		resp, err := cfg.Signer.Sign(req.Context(), &sigReq)
		if err != nil {
			status := http.StatusInternalServerError
			if consensus.IsValidationError(err) {
				status = http.StatusBadRequest
			}
			logger.Warn("Refused to sign",
				"data_timestamp", sigReq.DataTimestamp,
				"error", err,
			)
			writeJSON(logger, w, status, consensus.SignatureResponse{Error: err.Error(), Version: cfg.Info.Version})
			return
		}

		resp.Version = cfg.Info.Version
		if resp.Discrepancies == nil {
			resp.Discrepancies = []consensus.Discrepancy{}
		}
		writeJSON(logger, w, http.StatusOK, resp)
	}
}

func handleInfo(logger *slog.Logger, cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(logger, w, http.StatusOK, cfg.Info)
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(logger *slog.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to encode response", "error", err)
	}
}

// Server runs the validator endpoints until its context ends.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
	done   chan struct{}
}

func NewServer(ctx context.Context, logger *slog.Logger, ln net.Listener, handler http.Handler) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext: func(net.Listener) context.Context {
				return ctx
			},
		},
		logger: logger,
		done:   make(chan struct{}),
	}

	go s.serve(ln)
	go s.waitForShutdown(ctx)

	return s
}

func (s *Server) Wait() {
	<-s.done
}

func (s *Server) serve(ln net.Listener) {
	defer close(s.done)

	s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
	if err := s.srv.Serve(ln); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
			s.logger.Info("HTTP server shutting down")
		} else {
			s.logger.Error("HTTP server stopped", "error", err)
		}
	}
}

func (s *Server) waitForShutdown(ctx context.Context) {
	select {
	case <-s.done:
		return
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server shutdown incomplete", "error", err)
			_ = s.srv.Close()
		}
	}
}
