package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"botsmith/internal/servicetoken"
	"botsmith/internal/util"
	"botsmith/pkg/domain"
	"botsmith/pkg/store"
	"botsmith/services/chat/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	Store         store.Store
	TokenVerifier *servicetoken.Verifier
	TrustedProxy  *util.TrustedProxies
}

// Server exposes the public chat endpoints plus the privileged internal
// credits read.
type Server struct {
	app           *app.App
	store         store.Store
	tokenVerifier *servicetoken.Verifier
	trustedProxy  *util.TrustedProxies
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:           cfg.App,
		store:         cfg.Store,
		tokenVerifier: cfg.TokenVerifier,
		trustedProxy:  cfg.TrustedProxy,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("chat", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/chat", s.handleChat)
	s.mux.HandleFunc("/api/chat/stream", s.handleChatStream)
	s.mux.HandleFunc("/internal/credits/", s.handleOwnerCredits)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type chatRequest struct {
	BotID    string        `json:"botId"`
	Message  string        `json:"message"`
	Query    string        `json:"query"`
	History  []historyTurn `json:"history"`
	TestMode bool          `json:"testMode"`
}

type historyTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (s *Server) decodeChatRequest(w http.ResponseWriter, r *http.Request) (app.Request, bool) {
	var body chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return app.Request{}, false
	}
	message := body.Message
	if strings.TrimSpace(message) == "" {
		message = body.Query
	}
	req := app.Request{
		BotID:    body.BotID,
		Message:  message,
		TestMode: body.TestMode,
		ClientIP: util.ClientIP(r, s.trustedProxy),
	}
	for _, turn := range body.History {
		req.History = append(req.History, domain.ChatTurn{Role: turn.Role, Content: turn.Content})
	}
	return req, true
}

// handleChat serves the buffered variant: one JSON body with the whole
// answer and, when a debit occurred, the remaining balance.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}
	answer, err := s.app.Answer(r.Context(), req)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"answer":          answer.Text,
		"credits_balance": answer.CreditsBalance,
	})
}

// handleChatStream serves the SSE variant. A rate-limit denial still
// produces a valid event stream so clients keep a single parser.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	started := false
	startStream := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
	}
	send := func(chunk string) error {
		startStream()
		if err := writeSSEContent(w, chunk); err != nil {
			return err
		}
		flusher.Flush()
		return r.Context().Err()
	}

	err := s.app.AnswerStream(r.Context(), req, send)
	if err != nil {
		var limited *app.RateLimitedError
		if errors.As(err, &limited) && !started {
			startStream()
			_ = writeSSEContent(w, limited.Message)
			_ = writeSSEDone(w)
			flusher.Flush()
			return
		}
		if !started {
			writeChatError(w, err)
			return
		}
	}
	if started {
		_ = writeSSEDone(w)
		flusher.Flush()
		return
	}
	// Model produced zero chunks; still emit a well-formed stream.
	startStream()
	_ = writeSSEDone(w)
	flusher.Flush()
}

// handleOwnerCredits is the privileged balance read used by sibling
// services for pre-flight checks. Guarded by an internal service token.
func (s *Server) handleOwnerCredits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.tokenVerifier == nil {
		writeError(w, http.StatusInternalServerError, "service token verifier not configured")
		return
	}
	token, ok := servicetoken.BearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if _, err := s.tokenVerifier.Verify(token); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	ownerID := strings.TrimPrefix(r.URL.Path, "/internal/credits/")
	if ownerID == "" || strings.Contains(ownerID, "/") {
		writeError(w, http.StatusBadRequest, "owner id required")
		return
	}
	balance, found, err := s.store.GetCreditBalance(ownerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load balance")
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{"ownerId": ownerID, "balance": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ownerId": ownerID, "balance": balance})
}

func writeChatError(w http.ResponseWriter, err error) {
	var limited *app.RateLimitedError
	switch {
	case errors.Is(err, app.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "botId and message are required")
	case errors.Is(err, app.ErrBotNotFound):
		writeError(w, http.StatusNotFound, "bot not found")
	case errors.As(err, &limited):
		writeError(w, http.StatusTooManyRequests, limited.Message)
	case errors.Is(err, store.ErrOutOfCredits):
		writeError(w, http.StatusPaymentRequired, "out of credits")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeSSEContent(w io.Writer, chunk string) error {
	payload, err := json.Marshal(map[string]string{"content": chunk})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

func writeSSEDone(w io.Writer) error {
	_, err := io.WriteString(w, "data: [DONE]\n\n")
	return err
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
