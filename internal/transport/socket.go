package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vertextoedge/offline-media-cache/internal/domain"
	"github.com/vertextoedge/offline-media-cache/internal/port"
)

// SocketConfig configures a reconnecting WebSocket
type SocketConfig struct {
	URL    string
	Header http.Header

	DialTimeout    time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	PingInterval   time.Duration

	// Reconnect backoff is BaseDelay * 2^attempt capped at MaxDelay
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (c *SocketConfig) defaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 16 * 1024 * 1024
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
}

// Socket is a WebSocket client that reconnects with exponential backoff
// whenever the connection drops, and waits for reachability before dialling.
type Socket struct {
	cfg    SocketConfig
	reach  port.Reachability
	creds  port.CredentialsProvider
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex // serializes writes (gorilla/websocket requirement)

	messages chan []byte
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewSocket creates a Socket. Call Start to connect. reach and creds may be nil.
func NewSocket(cfg SocketConfig, reach port.Reachability, creds port.CredentialsProvider, logger *zap.Logger) *Socket {
	cfg.defaults()
	return &Socket{
		cfg:      cfg,
		reach:    reach,
		creds:    creds,
		logger:   logger,
		sleep:    sleepContext,
		messages: make(chan []byte, 64),
	}
}

// Messages returns received messages. Closed after Close.
func (s *Socket) Messages() <-chan []byte {
	return s.messages
}

// Start begins the connect/read/reconnect loop
func (s *Socket) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(runCtx)
}

// Close stops reconnecting and closes the current connection
func (s *Socket) Close() error {
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
		_ = conn.WriteMessage(websocket.CloseMessage, closeMsg)
		s.writeMu.Unlock()
		conn.Close()
	}

	s.wg.Wait()
	return nil
}

// Connected reports whether a connection is currently established
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Send writes a text message. Fails with ErrNoConnection while disconnected.
func (s *Socket) Send(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return domain.ErrNoConnection
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (s *Socket) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.messages)

	var statusCh <-chan port.PathStatus
	if s.reach != nil {
		ch, unsubscribe := s.reach.Subscribe()
		defer unsubscribe()
		statusCh = ch
	}

	attempt := 0
	for ctx.Err() == nil {
		if s.reach != nil && !s.reach.Current().Satisfied {
			select {
			case <-ctx.Done():
				return
			case <-statusCh:
			}
			continue
		}

		conn, err := s.dial(ctx)
		if err != nil {
			delay := Backoff(s.cfg.BaseDelay, attempt)
			if delay > s.cfg.MaxDelay {
				delay = s.cfg.MaxDelay
			}
			attempt++
			s.logger.Warn("websocket connect failed",
				zap.String("url", s.cfg.URL),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", delay),
				zap.Error(err),
			)
			if s.sleep(ctx, delay) != nil {
				return
			}
			continue
		}

		attempt = 0
		s.setConn(conn)
		s.logger.Info("websocket connected", zap.String("url", s.cfg.URL))

		err = s.serve(ctx, conn, statusCh)
		s.setConn(nil)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		s.logger.Info("websocket disconnected, reconnecting", zap.Error(err))
	}
}

func (s *Socket) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.DialTimeout}

	conn, resp, err := dialer.DialContext(ctx, s.cfg.URL, s.header())
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil && resp != nil && resp.StatusCode == http.StatusUnauthorized && s.creds != nil {
		if !s.creds.Refresh(ctx) {
			return nil, domain.ErrUnauthorized
		}
		conn, resp, err = dialer.DialContext(ctx, s.cfg.URL, s.header())
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
	}
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(s.cfg.MaxMessageSize)
	return conn, nil
}

func (s *Socket) header() http.Header {
	h := http.Header{}
	for k, vs := range s.cfg.Header {
		h[k] = append([]string(nil), vs...)
	}
	if s.creds != nil {
		if token, ok := s.creds.CurrentToken(); ok {
			h.Set("Authorization", "Bearer "+token)
		}
	}
	return h
}

// serve reads until the connection fails. Losing reachability closes the
// connection so the outer loop waits for it to return.
func (s *Socket) serve(ctx context.Context, conn *websocket.Conn, statusCh <-chan port.PathStatus) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		var ping <-chan time.Time
		if s.cfg.PingInterval > 0 {
			ticker := time.NewTicker(s.cfg.PingInterval)
			defer ticker.Stop()
			ping = ticker.C
		}
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case status, ok := <-statusCh:
				if !ok {
					statusCh = nil
					continue
				}
				if !status.Satisfied {
					conn.Close()
					return
				}
			case <-ping:
				s.writeMu.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				s.writeMu.Unlock()
				if err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		select {
		case s.messages <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Socket) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}
