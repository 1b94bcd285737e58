package alpaca

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/pairs/pkg/models"
	"github.com/sirupsen/logrus"
)

var ErrStreamAuth = errors.New("stream authentication failed")

// Stream subscribes to minute bars over the market data websocket and
// delivers them on Bars. It reconnects until the context passed to Run is
// cancelled.
type Stream struct {
	url            string
	keyID          string
	secret         string
	symbols        []string
	conn           *websocket.Conn
	writeMu        sync.Mutex
	mu             sync.Mutex
	connected      bool
	bars           chan models.Bar
	reconnectDelay time.Duration
	pingInterval   time.Duration
	logger         *logrus.Logger
}

type streamMessage struct {
	T    string    `json:"T"`
	Msg  string    `json:"msg"`
	Code int       `json:"code"`
	S    string    `json:"S"`
	C    float64   `json:"c"`
	Time time.Time `json:"t"`
}

type authMessage struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

type subscribeMessage struct {
	Action string   `json:"action"`
	Bars   []string `json:"bars"`
}

func NewStream(url, keyID, secret string, symbols []string, logger *logrus.Logger) *Stream {
	return &Stream{
		url:            url,
		keyID:          keyID,
		secret:         secret,
		symbols:        symbols,
		bars:           make(chan models.Bar, 256),
		reconnectDelay: 5 * time.Second,
		pingInterval:   30 * time.Second,
		logger:         logger,
	}
}

// Bars is closed when Run returns.
func (s *Stream) Bars() <-chan models.Bar { return s.bars }

func (s *Stream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Run connects, authenticates and subscribes, then reads until ctx is done.
// Authentication failures are returned; transport failures trigger a
// reconnect.
func (s *Stream) Run(ctx context.Context) error {
	defer close(s.bars)

	for {
		err := s.Connect(ctx)
		if err == nil {
			err = s.readLoop(ctx)
		}
		s.handleDisconnect()

		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrStreamAuth) {
			return err
		}
		s.logger.WithError(err).WithField("retry_in", s.reconnectDelay).Warn("Bar stream disconnected")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Stream) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	if err := s.authenticate(); err != nil {
		return err
	}
	if err := s.Subscribe(s.symbols); err != nil {
		return err
	}

	s.logger.WithField("symbols", len(s.symbols)).Info("Bar stream subscribed")
	go s.keepAlive(ctx, conn)
	return nil
}

func (s *Stream) authenticate() error {
	if err := s.writeJSON(authMessage{Action: "auth", Key: s.keyID, Secret: s.secret}); err != nil {
		return err
	}
	for {
		var msgs []streamMessage
		if err := s.conn.ReadJSON(&msgs); err != nil {
			return fmt.Errorf("failed to read auth response: %w", err)
		}
		for _, m := range msgs {
			switch {
			case m.T == "success" && m.Msg == "authenticated":
				return nil
			case m.T == "error":
				return fmt.Errorf("%w: %d %s", ErrStreamAuth, m.Code, m.Msg)
			}
		}
	}
}

func (s *Stream) Subscribe(symbols []string) error {
	if !s.Connected() {
		return fmt.Errorf("websocket not connected")
	}
	return s.writeJSON(subscribeMessage{Action: "subscribe", Bars: symbols})
}

func (s *Stream) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *Stream) readLoop(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	})
	defer stop()

	for {
		var msgs []streamMessage
		if err := s.conn.ReadJSON(&msgs); err != nil {
			return fmt.Errorf("failed to read websocket message: %w", err)
		}
		for _, m := range msgs {
			switch m.T {
			case "b":
				bar := models.Bar{Symbol: m.S, Close: m.C, Timestamp: m.Time}
				select {
				case s.bars <- bar:
				case <-ctx.Done():
					return ctx.Err()
				}
			case "error":
				s.logger.WithFields(logrus.Fields{"code": m.Code, "msg": m.Msg}).Error("Bar stream error")
			}
		}
	}
}

func (s *Stream) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			current := s.conn == conn && s.connected
			s.mu.Unlock()
			if !current {
				return
			}
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.WithError(err).Error("Failed to send ping")
				conn.Close()
				return
			}
		}
	}
}

func (s *Stream) handleDisconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected = false
	if s.conn != nil {
		s.conn.Close()
	}
}
