package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ecerlabs/chainpay/internal/chain"
	"github.com/ecerlabs/chainpay/internal/reconcile"
)

// controlServer is the small operational surface: subscribe/unsubscribe a
// (chain, wallet) pair at runtime and inspect the active registry. No auth;
// bind it to a private interface.
type controlServer struct {
	orchestrator *reconcile.Orchestrator
	logger       *slog.Logger
	mux          *http.ServeMux
}

func newControlServer(orchestrator *reconcile.Orchestrator, logger *slog.Logger) *controlServer {
	s := &controlServer{
		orchestrator: orchestrator,
		logger:       logger.With("component", "control"),
		mux:          http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /subscribe", s.handleSubscribe)
	s.mux.HandleFunc("POST /unsubscribe", s.handleUnsubscribe)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	return s
}

func (s *controlServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type subscribeRequest struct {
	Chain  string `json:"chain"`
	Wallet string `json:"wallet"`
}

func (s *controlServer) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()

	var req subscribeRequest
	c, ok := s.decode(w, r, reqID, &req)
	if !ok {
		return
	}

	if err := s.orchestrator.Subscribe(r.Context(), c, req.Wallet); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, reconcile.ErrAlreadySubscribed) {
			status = http.StatusConflict
		}
		s.fail(w, reqID, status, err)
		return
	}

	s.logger.Info("subscribe", "request_id", reqID, "chain", req.Chain, "wallet", req.Wallet)
	s.ok(w, reqID)
}

func (s *controlServer) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()

	var req subscribeRequest
	c, ok := s.decode(w, r, reqID, &req)
	if !ok {
		return
	}

	if err := s.orchestrator.Unsubscribe(c, req.Wallet); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, reconcile.ErrNotSubscribed) {
			status = http.StatusNotFound
		}
		s.fail(w, reqID, status, err)
		return
	}

	s.logger.Info("unsubscribe", "request_id", reqID, "chain", req.Chain, "wallet", req.Wallet)
	s.ok(w, reqID)
}

type statusSubscription struct {
	Chain    string    `json:"chain"`
	Wallet   string    `json:"wallet"`
	Since    time.Time `json:"since"`
	Adapters []string  `json:"adapters"`
}

func (s *controlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	subs := s.orchestrator.Subscriptions()

	out := make([]statusSubscription, 0, len(subs))
	for _, sub := range subs {
		out = append(out, statusSubscription{
			Chain:    sub.Chain.String(),
			Wallet:   sub.Wallet,
			Since:    sub.Since,
			Adapters: sub.Adapters,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": out})
}

func (s *controlServer) decode(w http.ResponseWriter, r *http.Request, reqID string, req *subscribeRequest) (chain.Chain, bool) {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		s.fail(w, reqID, http.StatusBadRequest, err)
		return chain.ChainUnknown, false
	}
	c, err := chain.ParseChain(req.Chain)
	if err != nil {
		s.fail(w, reqID, http.StatusBadRequest, err)
		return chain.ChainUnknown, false
	}
	if req.Wallet == "" {
		s.fail(w, reqID, http.StatusBadRequest, errors.New("wallet is required"))
		return chain.ChainUnknown, false
	}
	return c, true
}

func (s *controlServer) ok(w http.ResponseWriter, reqID string) {
	writeJSON(w, http.StatusOK, map[string]any{"request_id": reqID, "status": "ok"})
}

func (s *controlServer) fail(w http.ResponseWriter, reqID string, status int, err error) {
	s.logger.Warn("control request failed", "request_id", reqID, "status", status, "error", err)
	writeJSON(w, status, map[string]any{"request_id": reqID, "error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
