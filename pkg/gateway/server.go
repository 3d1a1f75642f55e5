package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/observability"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/tracing"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/execution"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/protocol"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/registry"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Server is the websocket gateway: one persistent channel per client, carrying
// protocol envelopes in both directions.
type Server struct {
	host         string
	port         int
	readLimit    int64
	writeTimeout time.Duration
	rate         float64
	burst        int

	turns    TurnService
	clients  *ClientRegistry
	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener
	logger   zerolog.Logger

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	connWG         sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host string
	Port int
	// ReadLimit caps the size of one inbound message in bytes
	ReadLimit    int64
	WriteTimeout time.Duration
	// MessageRate and MessageBurst limit inbound messages per connection; a negative rate disables the limit
	MessageRate  float64
	MessageBurst int
	Turns        TurnService
	Logger       zerolog.Logger
}

// NewServer creates a new gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Turns == nil {
		return nil, fmt.Errorf("turn service is required")
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 4 << 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MessageRate == 0 {
		cfg.MessageRate = DefaultMessagesPerSecond
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = DefaultMessageBurst
	}
	observability.EnsureRegistered()

	return &Server{
		host:         cfg.Host,
		port:         cfg.Port,
		readLimit:    cfg.ReadLimit,
		writeTimeout: cfg.WriteTimeout,
		rate:         cfg.MessageRate,
		burst:        cfg.MessageBurst,
		turns:        cfg.Turns,
		clients:      NewClientRegistry(),
		logger:       cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
	}, nil
}

// Handler returns the HTTP handler serving /ws, /metrics and /healthz
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, `{"status":"ok","connections":%d}`, s.clients.Count())
	})
	return mux
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, fmt.Sprint(s.port)))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Stop refuses new connections, closes open ones (which interrupts their turns) and
// shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Int("clients", s.clients.Count()).Msg("Shutting down gateway server")
	for _, client := range s.clients.All() {
		client.close()
	}

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}
	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// Addr returns the address the server listens on, or "" before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.Snapshot()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.connWG.Add(1)
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.connWG.Done()
		s.logger.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}
	conn.SetReadLimit(s.readLimit)

	clientID, _ := gonanoid.New()
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiterWithLimits(s.rate, s.burst),
		writeTimeout: s.writeTimeout,
	}

	s.clients.Add(client)
	observability.ConnectionOpened()
	s.logger.Info().Str("clientId", clientID).Str("ip", r.RemoteAddr).Msg("Client connected")

	go s.handleClient(client)
}

// handleClient reads until the connection ends, then closes every session it used
func (s *Server) handleClient(client *Client) {
	defer s.connWG.Done()
	defer func() {
		client.close()
		// sessions stay owned until they are closed, so a reconnect cannot
		// start a turn that this close would then interrupt
		sessions := s.clients.Sessions(client.ID)
		for _, sid := range sessions {
			s.turns.CloseSession(sid)
		}
		s.clients.Remove(client.ID)
		observability.ConnectionClosed()

		s.logger.Info().
			Str("clientId", client.ID).
			Strs("sessions", sessions).
			Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}
		s.clients.Touch(client.ID)
		s.handleMessage(client, message)
	}
}

// handleMessage handles one inbound message. It never blocks on a turn.
func (s *Server) handleMessage(client *Client, message []byte) {
	env, err := protocol.Decode(message)
	if err != nil {
		observability.RecordMessage("in", "invalid")
		s.reply(client, protocol.NewError("", "", protocol.CodeBadMessage, err.Error()))
		return
	}
	observability.RecordMessage("in", string(env.Type))

	if !client.RateLimiter.Allow() {
		observability.RecordSecurityAudit(context.Background(), "message_throttled", client.ID, "denied",
			map[string]interface{}{"type": string(env.Type), "sessionCode": env.SessionCode})
		s.reply(client, protocol.NewError(env.SessionCode, env.RequestID, protocol.CodeRateLimited, "rate limit exceeded"))
		return
	}

	ctx := tracing.WithSessionCode(context.Background(), env.SessionCode)
	ctx = tracing.WithRequestID(ctx, env.RequestID)
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("clientId", client.ID).Logger()

	if env.Type != protocol.TypePing && env.SessionCode != "" && !s.clients.Claim(env.SessionCode, client.ID) {
		observability.RecordSecurityAudit(ctx, "session_claim_refused", client.ID, "denied",
			map[string]interface{}{"type": string(env.Type), "sessionCode": env.SessionCode})
		logger.Warn().Msg("Session owned by another connection")
		s.reply(client, protocol.NewError(env.SessionCode, env.RequestID, protocol.CodeSessionOwned, "session is owned by another connection"))
		return
	}

	switch env.Type {
	case protocol.TypePing:
		pong, _ := protocol.New(protocol.TypePong, env.SessionCode, env.RequestID, "", nil)
		s.reply(client, pong)

	case protocol.TypeUserMessage:
		var data protocol.UserMessageData
		if err := env.DecodeData(&data); err != nil {
			s.reply(client, protocol.NewError(env.SessionCode, env.RequestID, protocol.CodeBadMessage, err.Error()))
			return
		}
		req := execution.Request{
			SessionID: env.SessionCode,
			RequestID: env.RequestID,
			Content:   env.Content,
			Tools:     data.Tools,
			AgentCode: data.AgentCode,
		}
		if _, err := s.turns.Submit(ctx, req, client); err != nil {
			logger.Debug().Err(err).Msg("User message rejected")
			s.reply(client, protocol.NewError(env.SessionCode, env.RequestID, rejectionCode(err), err.Error()))
		}

	case protocol.TypeToolCallResponse:
		var data protocol.ToolCallResponseData
		if err := env.DecodeData(&data); err != nil {
			s.reply(client, protocol.NewError(env.SessionCode, env.RequestID, protocol.CodeBadMessage, err.Error()))
			return
		}
		if !s.turns.ResolveToolCall(env.SessionCode, env.RequestID, data) {
			logger.Debug().Str("toolName", data.ToolName).Msg("Stale tool result ignored")
		}

	case protocol.TypeInterrupt:
		if !s.turns.Interrupt(env.SessionCode, env.RequestID) {
			logger.Debug().Msg("Interrupt without an active turn ignored")
		}

	default:
		s.reply(client, protocol.NewError(env.SessionCode, env.RequestID, protocol.CodeUnknownType,
			fmt.Sprintf("unknown message type %q", env.Type)))
	}
}

func (s *Server) reply(client *Client, env protocol.Envelope) {
	if err := client.Send(env); err != nil {
		s.logger.Debug().Err(err).Str("clientId", client.ID).Str("type", string(env.Type)).Msg("Failed to send message")
	}
}

// rejectionCode maps a refused USER_MESSAGE to an error code
func rejectionCode(err error) string {
	var verr *execution.ValidationError
	switch {
	case errors.As(err, &verr):
		return protocol.CodeValidation
	case errors.Is(err, registry.ErrTurnActive), errors.Is(err, registry.ErrDuplicateRequest), errors.Is(err, registry.ErrSessionClosed):
		return protocol.CodeTurnActive
	default:
		return protocol.CodeInternalError
	}
}
