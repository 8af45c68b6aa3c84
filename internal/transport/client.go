package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roach88/ramlink/internal/protocol"
)

// Settings configure a Client.
type Settings struct {
	URL      string
	Game     string
	SlotName string
	Password string
	Tags     []string
	Version  protocol.Version
	// ItemsHandling is the coordinator's item delivery flag set.
	ItemsHandling int

	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	SendBuffer        int
}

// DefaultSettings returns settings for url with the stock timeouts.
func DefaultSettings(url, slotName string) Settings {
	return Settings{
		URL:               url,
		Game:              "Toejam and Earl",
		SlotName:          slotName,
		Version:           protocol.Version{Major: 0, Minor: 5, Build: 0, Class: "Version"},
		ItemsHandling:     0b111,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
		PingInterval:      20 * time.Second,
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: 30 * time.Second,
		SendBuffer:        64,
	}
}

// Client is a reconnecting websocket link to a coordinator.
//
// Run owns the connection. Send may be called from any goroutine.
type Client struct {
	settings Settings
	sink     Sink
	dialer   *websocket.Dialer
	uuid     string

	mu   sync.Mutex
	send chan []byte
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

// WithClientID fixes the uuid sent in the handshake.
func WithClientID(id string) ClientOption {
	return func(c *Client) { c.uuid = id }
}

// NewClient creates a client. Nothing is dialed until Run.
func NewClient(s Settings, sink Sink, opts ...ClientOption) *Client {
	if s.SendBuffer <= 0 {
		s.SendBuffer = 64
	}
	c := &Client{
		settings: s,
		sink:     sink,
		dialer:   &websocket.Dialer{HandshakeTimeout: s.HandshakeTimeout},
		uuid:     uuid.Must(uuid.NewV7()).String(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send queues messages as one frame. It fails with ErrNotConnected while
// the link is down; callers retry on a later tick.
func (c *Client) Send(ctx context.Context, msgs ...protocol.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	data, err := protocol.EncodeFrame(msgs...)
	if err != nil {
		return err
	}

	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return ErrNotConnected
	}

	select {
	case send <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.New("transport: send buffer full")
	}
}

// Connected reports whether a handshake has completed on the current link.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send != nil
}

// Run dials, handshakes and pumps frames until ctx ends or the coordinator
// refuses the slot. Lost links are redialed with exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	delay := c.settings.ReconnectDelay
	for {
		established, err := c.connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if IsRefused(err) {
			slog.Error("coordinator refused connection", "error", err)
			return err
		}
		if established {
			delay = c.settings.ReconnectDelay
		}
		slog.Warn("coordinator link down", "url", c.settings.URL, "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, c.settings.MaxReconnectDelay)
	}
}

// connect runs one link. established reports whether the handshake
// completed, so the caller can reset its backoff.
func (c *Client) connect(ctx context.Context) (established bool, err error) {
	conn, _, err := c.dialer.DialContext(ctx, c.settings.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.settings.URL, err)
	}
	defer conn.Close()

	room, err := c.handshake(conn)
	if err != nil {
		return false, err
	}
	slog.Info("coordinator handshake sent", "url", c.settings.URL, "seed", room.SeedName, "slot", c.settings.SlotName)

	linkCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	send := make(chan []byte, c.settings.SendBuffer)
	c.setSend(send)
	c.sink.Deliver(room)

	errc := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errc <- c.writeLoop(linkCtx, conn, send)
	}()
	go func() {
		defer wg.Done()
		errc <- c.readLoop(conn)
	}()

	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-errc:
	}
	c.setSend(nil)
	cancel()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	conn.Close()
	wg.Wait()

	c.sink.Disconnected(err)
	return true, err
}

// handshake waits for RoomInfo and answers with Connect.
func (c *Client) handshake(conn *websocket.Conn) (protocol.RoomInfo, error) {
	if c.settings.HandshakeTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(c.settings.HandshakeTimeout))
		defer conn.SetReadDeadline(time.Time{})
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.RoomInfo{}, fmt.Errorf("handshake read: %w", err)
	}
	msgs, _, err := protocol.DecodeFrame(data)
	if err != nil {
		return protocol.RoomInfo{}, fmt.Errorf("handshake: %w", err)
	}
	var room protocol.RoomInfo
	found := false
	for _, m := range msgs {
		if r, ok := m.(protocol.RoomInfo); ok {
			room, found = r, true
			break
		}
	}
	if !found {
		return protocol.RoomInfo{}, protocol.NewOutOfOrder(protocol.CmdRoomInfo, "first frame carried no room info")
	}

	frame, err := protocol.EncodeFrame(protocol.Connect{
		Password:      c.settings.Password,
		Game:          c.settings.Game,
		Name:          c.settings.SlotName,
		UUID:          c.uuid,
		Version:       c.settings.Version,
		ItemsHandling: c.settings.ItemsHandling,
		Tags:          c.settings.Tags,
		SlotData:      true,
	})
	if err != nil {
		return protocol.RoomInfo{}, err
	}
	if c.settings.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return protocol.RoomInfo{}, fmt.Errorf("handshake write: %w", err)
	}
	return room, nil
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn, send <-chan []byte) error {
	var ping <-chan time.Time
	if c.settings.PingInterval > 0 {
		t := time.NewTicker(c.settings.PingInterval)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-send:
			if c.settings.WriteTimeout > 0 {
				conn.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case <-ping:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.settings.WriteTimeout)); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if kind != websocket.TextMessage {
			slog.Debug("non-text frame ignored", "type", kind)
			continue
		}

		msgs, anomalies, err := protocol.DecodeFrame(data)
		if err != nil {
			slog.Warn("frame dropped", "error", err)
			continue
		}
		for _, a := range anomalies {
			slog.Warn("protocol anomaly", "error", a)
		}
		for _, m := range msgs {
			if r, ok := m.(protocol.ConnectionRefused); ok {
				return &RefusedError{Errors: r.Errors}
			}
			c.sink.Deliver(m)
		}
	}
}

func (c *Client) setSend(ch chan []byte) {
	c.mu.Lock()
	c.send = ch
	c.mu.Unlock()
}
