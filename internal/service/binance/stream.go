package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"CandleCast/internal/domain/models"
	"CandleCast/internal/domain/repository"
	applogger "CandleCast/pkg/logger"

	"github.com/gorilla/websocket"
)

// StreamConfig scopes the kline stream to one symbol and interval.
type StreamConfig struct {
	URL          string // e.g. wss://stream.binance.com:9443/ws
	Symbol       string
	Interval     string
	PingInterval time.Duration
	PongTimeout  time.Duration
	ReadTimeout  time.Duration
}

// KlineStream is a single websocket connection to <symbol>@kline_<interval>.
// A new Connect replaces the previous connection.
type KlineStream struct {
	cfg    StreamConfig
	dialer *websocket.Dialer
	logger *applogger.Logger

	mu        sync.Mutex // guards conn and serializes writes
	conn      *websocket.Conn
	connected atomic.Bool
}

var _ repository.KlineStream = (*KlineStream)(nil)

func NewKlineStream(cfg StreamConfig, logger *applogger.Logger) *KlineStream {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	return &KlineStream{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
	}
}

// StreamName returns the exchange stream identifier, e.g. "ethusdt@kline_3m".
func (s *KlineStream) StreamName() string {
	return strings.ToLower(s.cfg.Symbol) + "@kline_" + s.cfg.Interval
}

func (s *KlineStream) Connect(ctx context.Context) error {
	url := strings.TrimRight(s.cfg.URL, "/") + "/" + s.StreamName()
	conn, _, err := s.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("kline stream dial: %w", err)
	}

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	s.connected.Store(true)

	s.logger.Info("kline stream connected", applogger.String("stream", s.StreamName()))
	return nil
}

type wsKline struct {
	StartTime   int64  `json:"t"`
	Symbol      string `json:"s"`
	Interval    string `json:"i"`
	Open        string `json:"o"`
	Close       string `json:"c"`
	High        string `json:"h"`
	Low         string `json:"l"`
	Volume      string `json:"v"`
	TradeCount  int64  `json:"n"`
	Closed      bool   `json:"x"`
	QuoteVolume string `json:"q"`
}

type wsKlineEvent struct {
	Type      string   `json:"e"`
	EventTime int64    `json:"E"`
	Symbol    string   `json:"s"`
	Kline     *wsKline `json:"k"`
}

// ParseKlineMessage decodes one push frame. Non-kline frames return (nil, nil).
func ParseKlineMessage(b []byte) (*models.KlineEvent, error) {
	var m wsKlineEvent
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if m.Type != "kline" {
		return nil, nil
	}
	if m.Kline == nil {
		return nil, errors.New("kline frame without payload")
	}
	k := m.Kline
	c := models.Candle{OpenTime: k.StartTime, TradeCount: k.TradeCount}
	for _, f := range []struct {
		name string
		dst  *float64
		src  string
	}{
		{"o", &c.Open, k.Open}, {"h", &c.High, k.High}, {"l", &c.Low, k.Low},
		{"c", &c.Close, k.Close}, {"v", &c.Volume, k.Volume}, {"q", &c.QuoteVolume, k.QuoteVolume},
	} {
		v, err := strconv.ParseFloat(f.src, 64)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.name, err)
		}
		*f.dst = v
	}
	return &models.KlineEvent{Symbol: m.Symbol, EventTime: m.EventTime, Closed: k.Closed, Candle: c}, nil
}

// Read pumps events until the connection fails or ctx ends. Malformed frames
// are logged and skipped. The error channel receives at most one error and
// both channels are closed when the read loop exits.
func (s *KlineStream) Read(ctx context.Context) (<-chan *models.KlineEvent, <-chan error) {
	events := make(chan *models.KlineEvent, 64)
	errs := make(chan error, 1)

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		errs <- errors.New("kline stream not connected")
		close(events)
		close(errs)
		return events, errs
	}

	done := make(chan struct{})

	// ping loop; also unblocks ReadMessage when ctx ends
	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-ticker.C:
				s.mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.PongTimeout))
				s.mu.Unlock()
				if err != nil {
					s.logger.Debug("kline stream ping failed", applogger.Error(err))
				}
			}
		}
	}()

	go func() {
		defer close(errs)
		defer close(events)
		defer close(done)
		defer s.connected.Store(false)

		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					errs <- fmt.Errorf("kline stream read: %w", err)
				}
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

			ev, err := ParseKlineMessage(b)
			if err != nil {
				s.logger.Warn("skipping malformed stream message",
					applogger.String("stream", s.StreamName()),
					applogger.Int("bytes", len(b)),
					applogger.Error(err),
				)
				continue
			}
			if ev == nil {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, errs
}

func (s *KlineStream) Close() error {
	s.connected.Store(false)
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	s.mu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.mu.Unlock()
	return conn.Close()
}

func (s *KlineStream) IsConnected() bool { return s.connected.Load() }
