package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Math49/chat-client/pkg/worker"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var (
	ErrNoRelayConfigured = errors.New("no relay url configured")
	ErrNoWelcome         = errors.New("relay did not send a welcome frame")
)

type Config struct {
	// The websocket endpoint of the relay.
	URL string `yaml:"url"`
	// Seconds between keep-alive pings on an idle connection. Defaults to 30.
	PingInterval int `yaml:"pingInterval"`
}

const (
	defaultPingInterval = 30
	sendQueueSize       = 64
	writeTimeout        = 10 * time.Second
)

// Envelope is the wire frame exchanged with the relay. Inbound frames carry
// `from`; outbound frames carry `to`. `data` is the opaque signaling payload.
type Envelope struct {
	// Set only on the relay's first frame after connecting: the id under
	// which this client is addressed by other parties.
	Self        string          `json:"self,omitempty"`
	From        string          `json:"from,omitempty"`
	To          string          `json:"to,omitempty"`
	DisplayName string          `json:"displayName,omitempty"`
	Video       bool            `json:"video,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// Handler receives every inbound envelope, on the client's read goroutine.
type Handler func(envelope Envelope)

// Client is a websocket connection to the relay that survives transient
// network failures by reconnecting with exponential backoff. All writes are
// funneled through a single worker goroutine, which also pings the relay when
// the connection sits idle.
type Client struct {
	config      Config
	displayName string
	handler     Handler
	logger      *logrus.Entry

	sender *worker.Worker[Envelope]

	mutex  sync.Mutex
	conn   *websocket.Conn
	selfID string
	closed bool
}

// Dial connects to the relay and spawns the read loop. It blocks until the
// relay has assigned this client its identity or the context is done.
func Dial(ctx context.Context, config Config, displayName string, handler Handler, logger *logrus.Entry) (*Client, error) {
	if config.URL == "" {
		return nil, ErrNoRelayConfigured
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaultPingInterval
	}

	c := &Client{
		config:      config,
		displayName: displayName,
		handler:     handler,
		logger:      logger,
	}

	conn, selfID, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.selfID = selfID

	c.sender = worker.Start(worker.Config[Envelope]{
		ChannelSize: sendQueueSize,
		Timeout:     time.Duration(config.PingInterval) * time.Second,
		OnTimeout:   c.ping,
		OnTask:      c.write,
	})

	go c.readLoop(ctx)

	logger.WithField("self_id", selfID).Info("connected to the relay")
	return c, nil
}

// SelfID returns the identity the relay assigned to this client. It may
// change after a reconnect.
func (c *Client) SelfID() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.selfID
}

// Send queues an envelope addressed to the given party. Fire-and-forget: a
// full queue or a dead connection drops the frame with a log line, matching
// the delivery guarantees the signaling layer is built for.
func (c *Client) Send(to string, video bool, data []byte) {
	envelope := Envelope{
		From:        c.SelfID(),
		To:          to,
		DisplayName: c.displayName,
		Video:       video,
		Data:        data,
	}

	if err := c.sender.Send(envelope); err != nil {
		c.logger.WithError(err).WithField("to", to).Warn("dropping outbound signal")
	}
}

// Close shuts the connection down. The handler receives no further envelopes.
func (c *Client) Close() {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.mutex.Unlock()

	c.sender.Stop()
	if conn != nil {
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		//nolint:errcheck
		conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeTimeout))
		conn.Close()
	}
}

// Establishes a connection, retrying with exponential backoff until the
// context is cancelled, and consumes the relay's welcome frame.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, string, error) {
	var conn *websocket.Conn
	operation := func() error {
		var err error
		conn, _, err = websocket.DefaultDialer.DialContext(ctx, c.config.URL, nil) //nolint:bodyclose
		if err != nil {
			c.logger.WithError(err).Warn("failed to reach the relay, retrying")
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		return nil, "", fmt.Errorf("failed to connect to the relay: %w", err)
	}

	var welcome Envelope
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("failed to read the welcome frame: %w", err)
	}
	if welcome.Self == "" {
		conn.Close()
		return nil, "", ErrNoWelcome
	}

	return conn, welcome.Self, nil
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		c.mutex.Lock()
		conn, closed := c.conn, c.closed
		c.mutex.Unlock()
		if closed {
			return
		}

		var envelope Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			c.mutex.Lock()
			closed = c.closed
			c.mutex.Unlock()
			if closed || ctx.Err() != nil {
				return
			}

			c.logger.WithError(err).Warn("relay connection lost, reconnecting")
			conn.Close()
			next, selfID, err := c.connect(ctx)
			if err != nil {
				c.logger.WithError(err).Error("giving up on the relay")
				return
			}
			c.mutex.Lock()
			c.conn = next
			c.selfID = selfID
			c.mutex.Unlock()
			continue
		}

		c.handler(envelope)
	}
}

func (c *Client) write(envelope Envelope) {
	c.mutex.Lock()
	conn := c.conn
	c.mutex.Unlock()
	if conn == nil {
		return
	}

	//nolint:errcheck
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(envelope); err != nil {
		c.logger.WithError(err).Warn("failed to write to the relay")
	}
}

func (c *Client) ping() {
	c.mutex.Lock()
	conn := c.conn
	c.mutex.Unlock()
	if conn == nil {
		return
	}

	if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
		c.logger.WithError(err).Debug("failed to ping the relay")
	}
}
