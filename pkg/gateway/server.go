package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/realty/internal/observability"
	"github.com/harun/realty/internal/tracing"
	"github.com/harun/realty/pkg/router"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// QueryPath is the HTTP endpoint that accepts prompts.
	QueryPath = "/realestate-agent"

	maxBodyBytes = 1 << 20
)

// Config holds server configuration
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string
	RequestTimeout time.Duration
	// RateLimit is the number of requests each client IP may make per
	// RateWindow. Zero disables limiting.
	RateLimit  int
	RateWindow time.Duration
	// TrustProxy makes X-Forwarded-For and X-Real-IP authoritative for the
	// client IP. Leave it off unless a reverse proxy sets those headers.
	TrustProxy bool

	Handler  Handler
	Sessions SessionCounter
	Logger   *zerolog.Logger
}

// Server exposes the coordinator over HTTP and WebSocket.
type Server struct {
	cfg         Config
	handler     Handler
	sessions    SessionCounter
	server      *http.Server
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	rateLimiter *RateLimiter
	logger      zerolog.Logger
	startTime   time.Time

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// NewServer creates a new server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Handler == nil {
		return nil, fmt.Errorf("request handler is required")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}

	observability.EnsureRegistered()

	s := &Server{
		cfg:         cfg,
		handler:     cfg.Handler,
		sessions:    cfg.Sessions,
		clients:     NewClientRegistry(),
		rateLimiter: NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		logger:      log.Logger,
		startTime:   time.Now(),
	}
	if cfg.Logger != nil {
		s.logger = *cfg.Logger
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
	return s, nil
}

// Handler returns the HTTP handler with every route and middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(QueryPath, s.handleQuery)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", observability.MetricsHandler())
	return s.withCORS(mux)
}

// Start listens and serves until Stop is called. It returns immediately
// when Stop already ran.
func (s *Server) Start() error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.shutdownMu.Unlock()

	s.logger.Info().
		Str("host", s.cfg.Host).
		Int("port", s.cfg.Port).
		Msg("Starting HTTP server")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop rejects new requests, waits for in-flight ones until ctx ends, then
// closes websocket clients and the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	srv := s.server
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down HTTP server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.rateLimiter.Stop()

	s.clients.CloseAll("server shutting down")

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

// beginRequest registers an in-flight request, or reports false when the
// server is shutting down.
func (s *Server) beginRequest() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	if s.isShuttingDown {
		return false
	}
	s.inFlightReqs.Add(1)
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	sessions := 0
	if s.sessions != nil {
		sessions = s.sessions.Len()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": sessions,
		"clients":  s.clients.Count(),
		"uptime":   time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !s.beginRequest() {
		writeError(w, http.StatusServiceUnavailable, "Server is shutting down")
		return
	}
	defer s.inFlightReqs.Done()

	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID, _ = gonanoid.New()
	}
	w.Header().Set("X-Request-Id", requestID)

	ctx := tracing.WithRequestID(tracing.NewRequestContext(r.Context()), requestID)
	logger := tracing.LoggerFromContext(ctx, s.logger)

	ip := clientIP(r, s.cfg.TrustProxy)
	if !s.rateLimiter.Allow(ip) {
		retryAfter := s.rateLimiter.RetryAfter(ip)
		logger.Warn().Str("ip", ip).Int("retry_after", retryAfter).Msg("Rate limit exceeded")
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "Too many requests")
		observability.RecordRequest("http", "rate_limited", time.Since(start))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		observability.RecordRequest("http", "client_error", time.Since(start))
		return
	}
	var req QueryRequest
	if err := json.Unmarshal(body, &req); err != nil {
		logger.Debug().Err(err).Msg("Invalid request body")
		writeError(w, http.StatusBadRequest, "Invalid JSON body: "+err.Error())
		observability.RecordRequest("http", "client_error", time.Since(start))
		return
	}

	status, resp, detail := s.serve(ctx, req)
	observability.RecordRequest("http", outcomeLabel(status), time.Since(start))

	logger.Info().
		Str("ip", ip).
		Int("status", status).
		Dur("duration", time.Since(start)).
		Msg("Query request completed")

	if resp == nil {
		writeError(w, status, detail)
		return
	}
	writeJSON(w, status, resp)
}

// serve runs one request through the handler and maps the outcome to an
// HTTP status.
func (s *Server) serve(ctx context.Context, req QueryRequest) (int, *router.Response, string) {
	ctx, span := tracing.StartSpan(ctx, "realty.gateway", "gateway.serve",
		tracing.AttrSessionKey.String(strings.TrimSpace(req.SessionID)),
	)
	defer span.End()

	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	resp, err := s.handler.Handle(ctx, req.Prompt, req.SessionID)
	if err == nil {
		return http.StatusOK, resp, ""
	}

	tracing.RecordError(span, err)
	var reqErr *router.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode(), nil, reqErr.Message
	}
	return http.StatusInternalServerError, nil, err.Error()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	shuttingDown := s.isShuttingDown
	s.shutdownMu.RUnlock()
	if shuttingDown {
		writeError(w, http.StatusServiceUnavailable, "Server is shutting down")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:          clientID,
		Conn:        conn,
		ConnectedAt: time.Now(),
		IPAddress:   clientIP(r, s.cfg.TrustProxy),
	}
	s.clients.Add(client)

	s.logger.Info().
		Str("client_id", clientID).
		Str("ip", client.IPAddress).
		Msg("Client connected")

	go s.handleClient(client)
}

func (s *Server) handleClient(client *Client) {
	// connCtx ends when the read loop exits so abandoned frames stop work.
	connCtx, cancel := context.WithCancel(context.Background())
	var pending sync.WaitGroup
	defer func() {
		cancel()
		pending.Wait()
		_ = client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("client_id", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Error().Err(err).Str("client_id", client.ID).Msg("WebSocket error")
			}
			return
		}
		client.touch()

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			s.sendFrame(client, FrameResponse{Status: http.StatusBadRequest, Detail: "Invalid JSON frame: " + err.Error()})
			continue
		}
		if frame.ID == "" {
			frame.ID, _ = gonanoid.New()
		}

		if !s.rateLimiter.Allow(client.IPAddress) {
			s.sendFrame(client, FrameResponse{ID: frame.ID, Status: http.StatusTooManyRequests, Detail: "Too many requests"})
			observability.RecordRequest("websocket", "rate_limited", 0)
			continue
		}
		if !s.beginRequest() {
			s.sendFrame(client, FrameResponse{ID: frame.ID, Status: http.StatusServiceUnavailable, Detail: "Server is shutting down"})
			continue
		}

		pending.Add(1)
		client.inFlight.Add(1)
		go func(frame Frame) {
			defer pending.Done()
			defer s.inFlightReqs.Done()
			defer client.inFlight.Add(-1)

			start := time.Now()
			ctx := tracing.WithRequestID(tracing.NewRequestContext(connCtx), frame.ID)
			status, resp, detail := s.serve(ctx, frame.QueryRequest)
			observability.RecordRequest("websocket", outcomeLabel(status), time.Since(start))
			s.sendFrame(client, FrameResponse{ID: frame.ID, Status: status, Response: resp, Detail: detail})
		}(frame)
	}
}

func (s *Server) sendFrame(client *Client, resp FrameResponse) {
	if err := client.WriteJSON(resp); err != nil {
		s.logger.Error().
			Err(err).
			Str("client_id", client.ID).
			Str("request_id", resp.ID).
			Msg("Failed to send response")
	}
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.Snapshot()
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			if h := r.Header.Get("Access-Control-Request-Headers"); h != "" {
				w.Header().Set("Access-Control-Allow-Headers", h)
			} else {
				w.Header().Set("Access-Control-Allow-Headers", "*")
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func outcomeLabel(status int) string {
	switch {
	case status < 400:
		return "success"
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status < 500:
		return "client_error"
	default:
		return "server_error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, ErrorResponse{Detail: detail})
}

// clientIP extracts the client IP from the request. Forwarding headers are
// only honoured when trustProxy is set.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			ips := strings.Split(xff, ",")
			return strings.TrimSpace(ips[0])
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
