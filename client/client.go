// Package client is Backbone's client library: a background connection
// that performs the handshake, then runs sender and receiver workers
// under a master goroutine, exposing Send/Read/Stop/IsRunning to the
// caller. Grounded on sdk/listener.go's goroutine shape (stopCh,
// wg.Add/Done, a dedicated close-once), generalized from one worker to
// the master/sender/receiver trio this protocol requires.
package client

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/backbone-project/backbone/internal/config"
	"github.com/backbone-project/backbone/internal/cryptoutil"
	"github.com/backbone-project/backbone/internal/identity"
	"github.com/backbone-project/backbone/internal/message"
	"github.com/backbone-project/backbone/internal/wire"
)

// ErrNotRunning is returned by Send when the client has already stopped.
var ErrNotRunning = errors.New("client: not running")

// outboundSendTimeout bounds how long the sender worker waits for a new
// message before checking whether a heartbeat is due, mirroring the
// spec's 1-second send-side timeout.
const outboundSendTimeout = time.Second

// outbound pairs a message with the event fired once its frame has
// reached the socket.
type outbound struct {
	msg  message.Message
	sent chan struct{}
}

// Client is one Backbone peer connection: one TCP socket, one private
// key, three cooperating goroutines.
type Client struct {
	id   identity.ClientId
	priv *rsa.PrivateKey

	stopCh   chan struct{}
	stopOnce sync.Once
	running  bool
	runMu    sync.Mutex

	conn net.Conn

	serverPub *rsa.PublicKey
	settings  config.Settings

	outboundCh chan outbound
	inboundCh  chan message.Message

	writeMu sync.Mutex
	wg      sync.WaitGroup

	handshakeDone chan error
}

// New constructs a client identity around an existing key pair.
func New(id identity.ClientId, priv *rsa.PrivateKey) *Client {
	return &Client{
		id:            id,
		priv:          priv,
		stopCh:        make(chan struct{}),
		outboundCh:    make(chan outbound, 256),
		inboundCh:     make(chan message.Message, 256),
		handshakeDone: make(chan error, 1),
	}
}

// Start dials address, runs the handshake on a master goroutine, and
// blocks until the handshake completes (or fails). On success the
// sender and receiver workers are already running.
func (c *Client) Start(address string) error {
	c.runMu.Lock()
	c.running = true
	c.runMu.Unlock()

	go c.master(address)
	return <-c.handshakeDone
}

// Stop best-effort notifies the server, then halts all workers and
// closes the socket. Safe to call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		if c.conn != nil {
			stopMsg := message.NewC2S(message.C2SStop, time.Now(), nil)
			c.writeMu.Lock()
			_ = wire.Send(c.conn, stopMsg.ToBytes(), c.serverPub)
			c.writeMu.Unlock()
		}
		close(c.stopCh)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
	c.wg.Wait()
	c.runMu.Lock()
	c.running = false
	c.runMu.Unlock()
}

// IsRunning reports whether the client has not yet stopped.
func (c *Client) IsRunning() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.running
}

// Send enqueues msg for delivery and returns a channel that closes once
// the sender has written the frame to the socket; it also closes when
// that write fails, in which case the client stops.
func (c *Client) Send(msg message.Message) (<-chan struct{}, error) {
	if !c.IsRunning() {
		return nil, ErrNotRunning
	}
	sent := make(chan struct{})
	select {
	case c.outboundCh <- outbound{msg: msg, sent: sent}:
		return sent, nil
	case <-c.stopCh:
		return nil, ErrNotRunning
	}
}

// Read pops one message from the inbound queue. If block is false and
// no message is available, it returns immediately with ok=false.
func (c *Client) Read(block bool) (message.Message, bool) {
	if block {
		select {
		case msg := <-c.inboundCh:
			return msg, true
		case <-c.stopCh:
			return message.Message{}, false
		}
	}
	select {
	case msg := <-c.inboundCh:
		return msg, true
	default:
		return message.Message{}, false
	}
}

func (c *Client) stopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Client) fail(err error) {
	select {
	case c.handshakeDone <- err:
	default:
	}
}

// master opens the connection, runs the handshake, then spawns the
// sender and receiver and waits for stopCh.
func (c *Client) master(address string) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		c.fail(fmt.Errorf("client: dial %s: %w", address, err))
		return
	}
	c.conn = conn

	if err := c.handshake(); err != nil {
		c.fail(err)
		_ = conn.Close()
		return
	}

	c.wg.Add(2)
	go c.sender()
	go c.receiver()

	c.handshakeDone <- nil

	<-c.stopCh
	c.wg.Wait()
}

// handshake runs the client side of the challenge/response ceremony
// described in spec §4.9: read the clear-text challenge, sign the
// nonce, send the signed response encrypted to the server key, then
// read back the pushed CONFIG.
func (c *Client) handshake() error {
	challenge, err := wire.Read(c.conn, nil)
	if err != nil {
		return fmt.Errorf("client: read challenge: %w", err)
	}
	if len(challenge) < 2 {
		return fmt.Errorf("client: challenge too short")
	}
	keyLen := int(challenge[0])<<8 | int(challenge[1])
	if len(challenge) < 2+keyLen {
		return fmt.Errorf("client: challenge truncated")
	}
	serverPubPEM := challenge[2 : 2+keyLen]
	nonce := challenge[2+keyLen:]

	serverPub, err := cryptoutil.DeserializePublic(serverPubPEM)
	if err != nil {
		return fmt.Errorf("client: parse server key: %w", err)
	}
	c.serverPub = serverPub

	sig, err := cryptoutil.Sign(c.priv, nonce)
	if err != nil {
		return fmt.Errorf("client: sign nonce: %w", err)
	}

	response := make([]byte, identity.Size+len(sig))
	copy(response[:identity.Size], c.id.Bytes())
	copy(response[identity.Size:], sig)

	if err := wire.Send(c.conn, response, serverPub); err != nil {
		return fmt.Errorf("client: send response: %w", err)
	}

	configFrame, err := wire.Read(c.conn, c.priv)
	if err != nil {
		return fmt.Errorf("client: read config: %w", err)
	}
	configMsg, ok := message.FromBytes(configFrame)
	if !ok || !configMsg.IsC2S() || message.C2SType(configMsg.Type) != message.C2SConfig {
		return fmt.Errorf("client: expected CONFIG message")
	}

	var settings config.Settings
	if err := json.Unmarshal(configMsg.Payload, &settings); err != nil {
		return fmt.Errorf("client: parse settings: %w", err)
	}
	c.settings = settings

	log.Info().Str("client_id", c.id.String()).Msg("[Client] handshake complete")
	return nil
}

func (c *Client) sender() {
	defer c.wg.Done()

	lastSend := time.Now()
	timer := time.NewTimer(outboundSendTimeout)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(outboundSendTimeout)

		select {
		case <-c.stopCh:
			return
		case out := <-c.outboundCh:
			c.writeMu.Lock()
			err := wire.Send(c.conn, out.msg.ToBytes(), c.serverPub)
			c.writeMu.Unlock()
			close(out.sent)
			if err != nil {
				log.Debug().Str("client_id", c.id.String()).Err(err).Msg("[Client] sender write error")
				c.sendStopBestEffort()
				return
			}
			lastSend = time.Now()
		case <-timer.C:
			if c.stopping() {
				return
			}
			if time.Since(lastSend) > c.settings.HeartbeatInterval {
				hb := message.NewC2S(message.C2SHeartbeat, time.Now(), nil)
				c.writeMu.Lock()
				err := wire.Send(c.conn, hb.ToBytes(), c.serverPub)
				c.writeMu.Unlock()
				if err != nil {
					log.Debug().Str("client_id", c.id.String()).Err(err).Msg("[Client] heartbeat write error")
					c.sendStopBestEffort()
					return
				}
				lastSend = time.Now()
			}
		}
	}
}

func (c *Client) sendStopBestEffort() {
	stopMsg := message.NewC2S(message.C2SStop, time.Now(), nil)
	c.writeMu.Lock()
	_ = wire.Send(c.conn, stopMsg.ToBytes(), c.serverPub)
	c.writeMu.Unlock()
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Client) receiver() {
	defer c.wg.Done()

	for {
		if c.stopping() {
			return
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(outboundSendTimeout)); err != nil {
			return
		}

		frame, err := wire.Read(c.conn, c.priv)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			log.Debug().Str("client_id", c.id.String()).Err(err).Msg("[Client] receiver read error")
			c.stopOnce.Do(func() { close(c.stopCh) })
			return
		}
		if frame == nil {
			continue
		}

		msg, ok := message.FromBytes(frame)
		if !ok {
			log.Debug().Str("client_id", c.id.String()).Msg("[Client] dropped unparseable frame")
			continue
		}

		switch msg.Format {
		case message.FormatC2C:
			select {
			case c.inboundCh <- msg:
			case <-c.stopCh:
				return
			}
		case message.FormatC2S:
			switch message.C2SType(msg.Type) {
			case message.C2SStop:
				c.stopOnce.Do(func() { close(c.stopCh) })
				return
			case message.C2SConfig:
				var settings config.Settings
				if err := json.Unmarshal(msg.Payload, &settings); err == nil {
					c.settings = settings
				}
			default:
			}
		default:
		}
	}
}
