/*
The chatwire package is a protocol handler. The Parley backend speaks a small
JSON frame protocol over the underlying connection: a hello/welcome handshake
that authenticates the session and negotiates a protocol version, ping/pong
liveness probes, chat messages, and delivery/read receipts. It's this
package's responsibility to isolate and handle that wire logic.
*/
package chatwire

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver"
	"github.com/parleychat/relaykit/chat"
	"github.com/parleychat/relaykit/connection/transporter"
	"github.com/parleychat/relaykit/logger"
	"gopkg.in/tomb.v2"
)

// server protocol versions this client can talk to
const compatibleServerProtocol = "^1"

type ChatWire struct {
	tmb      tomb.Tomb
	logger   *logger.Logger
	doneChan chan struct{}

	// true once the processing loop is running under the tomb
	processing atomic.Bool

	client  transporter.Transporter
	inbound chan *Frame

	// round-trip samples from answered pings
	pongs chan time.Duration

	token      string
	clientName string
	sessionId  string
}

func New(logger *logger.Logger, client transporter.Transporter, token string, clientName string) *ChatWire {
	return &ChatWire{
		logger:     logger,
		client:     client,
		token:      token,
		clientName: clientName,
		doneChan:   make(chan struct{}),
		inbound:    make(chan *Frame, 200),
		pongs:      make(chan time.Duration, 8),
	}
}

func (c *ChatWire) Close(reason error) {
	if !c.tmb.Alive() {
		return
	}

	c.tmb.Kill(reason)

	// nothing runs under the tomb until a handshake succeeds, and waiting
	// on an empty tomb blocks forever
	if c.processing.Load() {
		c.tmb.Wait()
	}
}

func (c *ChatWire) Err() error {
	return c.tmb.Err()
}

func (c *ChatWire) Done() <-chan struct{} {
	return c.doneChan
}

func (c *ChatWire) Inbound() <-chan *Frame {
	return c.inbound
}

func (c *ChatWire) Pongs() <-chan time.Duration {
	return c.pongs
}

// SessionId returns the session the server assigned in its welcome frame
func (c *ChatWire) SessionId() string {
	return c.sessionId
}

func (c *ChatWire) Connect(
	ctx context.Context,
	targetUrl string,
	headers http.Header,
	params url.Values,
) error {
	// Reset variables
	if !c.tmb.Alive() {
		c.tmb = tomb.Tomb{}
		c.doneChan = make(chan struct{})
		c.processing.Store(false)
	}

	// Build our Url
	u, err := buildUrl(targetUrl, params)
	if err != nil {
		return err
	}

	// Connect to our endpoint
	c.logger.Infof("Making websocket connection")
	if err := c.client.Dial(u, headers, ctx); err != nil {
		return fmt.Errorf("failed to connect to endpoint %s: %w", u.String(), err)
	}

	// Authenticate and negotiate the protocol version
	c.logger.Infof("Initiating chatwire handshake")
	hello := Frame{
		Op: Hello,
		Hello: &HelloPayload{
			Token:    c.token,
			Client:   c.clientName,
			Protocol: ProtocolVersion,
		},
	}
	if err := c.sendFrame(hello); err != nil {
		rerr := fmt.Errorf("failed to send hello frame: %w", err)
		c.client.Close(rerr)
		return rerr
	}

	if err := c.awaitWelcome(ctx); err != nil {
		c.client.Close(err)
		return err
	}

	c.logger.Infof("Successfully established chatwire session %s", c.sessionId)

	// The handshake succeeded, so we can start listening and sending
	c.processing.Store(true)
	c.tmb.Go(func() error {
		defer c.logger.Info("Chatwire processing done")
		defer close(c.doneChan)

		for {
			select {
			case <-c.tmb.Dying(): // death from Close() call
				// let the server know we're leaving, best effort
				bye := Frame{Op: Bye}
				if reason := c.tmb.Err(); reason != nil && reason != tomb.ErrStillAlive {
					bye.Bye = &ByePayload{Reason: reason.Error()}
				}
				if err := c.sendFrame(bye); err != nil {
					c.logger.Debugf("failed to send bye frame: %s", err)
				}

				c.client.Close(c.tmb.Err())
				return nil
			case <-c.client.Done():
				return fmt.Errorf("closed websocket")
			case messageBytes := <-c.client.Inbound():
				if err := c.unwrap(*messageBytes); err != nil {
					c.logger.Errorf("error unwrapping chatwire frame: %s", err)
				}
			}
		}
	})
	return nil
}

// awaitWelcome blocks until the server answers our hello, the handshake
// window closes, or the transport dies
func (c *ChatWire) awaitWelcome(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for welcome frame: %w", ctx.Err())
		case <-c.client.Done():
			return fmt.Errorf("connection closed during handshake: %w", c.client.Err())
		case messageBytes := <-c.client.Inbound():
			var frame Frame
			if err := json.Unmarshal(*messageBytes, &frame); err != nil {
				return fmt.Errorf("error unmarshalling handshake frame: %s", string(*messageBytes))
			}

			if frame.Op != Welcome {
				c.logger.Debugf("ignoring %s frame during handshake", frame.Op)
				continue
			}
			if frame.Welcome == nil {
				return fmt.Errorf("welcome frame missing its payload: %s", string(*messageBytes))
			}

			serverProtocol, err := semver.NewVersion(frame.Welcome.Protocol)
			if err != nil {
				return fmt.Errorf("failed to parse server protocol version %s: %w", frame.Welcome.Protocol, err)
			}
			compatible, err := semver.NewConstraint(compatibleServerProtocol)
			if err != nil {
				return fmt.Errorf("malformed version constraint: %w", err)
			}
			if !compatible.Check(serverProtocol) {
				return fmt.Errorf("server protocol %s is outside the supported range %s", frame.Welcome.Protocol, compatibleServerProtocol)
			}

			c.sessionId = frame.Welcome.SessionId
			return nil
		}
	}
}

func (c *ChatWire) unwrap(raw []byte) error {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("error unmarshalling chatwire frame: %s", string(raw))
	}

	switch frame.Op {

	case Pong:
		if frame.Pong != nil {
			rtt := time.Since(time.UnixMilli(frame.Pong.SentAt))
			// drop the sample if nobody is draining
			select {
			case c.pongs <- rtt:
			default:
			}
		}

	// the server probes us too; answer in kind
	case Ping:
		if frame.Ping != nil {
			pong := Frame{
				Op: Pong,
				Pong: &PongPayload{
					SentAt:   frame.Ping.SentAt,
					EchoedAt: time.Now().UnixMilli(),
				},
			}
			if err := c.sendFrame(pong); err != nil {
				return fmt.Errorf("failed to answer server ping: %w", err)
			}
		}

	// These frames are regular chat traffic that we'll forward to whoever
	// is listening
	case Msg:
		if frame.Message == nil {
			return fmt.Errorf("msg frame without a message: %s", string(raw))
		}
		c.inbound <- &frame

	case Receipt:
		if frame.Receipt == nil {
			return fmt.Errorf("receipt frame without a receipt: %s", string(raw))
		}
		c.inbound <- &frame

	case Bye:
		reason := "server ended the session"
		if frame.Bye != nil && frame.Bye.Reason != "" {
			reason = frame.Bye.Reason
		}
		c.logger.Infof("received bye frame: %s", reason)
		// killing instead of Close() because we're inside the tomb's goroutine
		c.tmb.Kill(fmt.Errorf("%s", reason))

	default:
		c.logger.Infof("Ignoring %s frame", frame.Op)
	}

	return nil
}

func (c *ChatWire) Send(message chat.Message) error {
	return c.sendFrame(Frame{Op: Msg, Message: &message})
}

func (c *ChatWire) SendReceipt(receipt ReceiptPayload) error {
	if receipt.At == 0 {
		receipt.At = time.Now().UnixMilli()
	}
	return c.sendFrame(Frame{Op: Receipt, Receipt: &receipt})
}

func (c *ChatWire) Ping() error {
	return c.sendFrame(Frame{
		Op:   Ping,
		Ping: &PingPayload{SentAt: time.Now().UnixMilli()},
	})
}

func (c *ChatWire) sendFrame(frame Frame) error {
	messageBytes, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("error marshalling outgoing chatwire frame: %+v", frame)
	}
	return c.client.Send(messageBytes)
}

func buildUrl(serviceUrl string, params url.Values) (*url.URL, error) {
	// Build our websocket url object
	websocketUrl, err := url.ParseRequestURI(serviceUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to parse service url %s: %w", serviceUrl, err)
	}

	// Set our params as encoded args
	websocketUrl.RawQuery = params.Encode()

	return websocketUrl, nil
}
