/*
The server package is an in-process Parley backend that speaks the chatwire
protocol over real websockets. Suites point a connection pool at Url, and the
server answers handshakes, echoes pings, acknowledges messages according to
its receipt mode, and can sever or close its connections on demand to script
network failures.
*/
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"sync"
	"sync/atomic"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/parleychat/relaykit/chat"
	"github.com/parleychat/relaykit/connection/messenger/chatwire"
	"github.com/parleychat/relaykit/logger"
)

const defaultEndpoint = "/relay"

// ReceiptMode controls how the server acknowledges incoming msg frames
type ReceiptMode string

const (
	// ReceiptsSilent never acknowledges, which is how confirmation timeouts
	// are provoked
	ReceiptsSilent    ReceiptMode = "silent"
	ReceiptsDelivered ReceiptMode = "delivered"
	ReceiptsRead      ReceiptMode = "read"
	ReceiptsBoth      ReceiptMode = "both"
)

type Options struct {
	// Endpoint is the path serving the websocket, defaulting to /relay
	Endpoint string

	// Protocol is the version advertised in welcome frames. It defaults to
	// the version the client speaks; set something incompatible to test the
	// handshake's version gate.
	Protocol string

	// Receipts defaults to ReceiptsSilent
	Receipts ReceiptMode

	// MutePings stops the server answering pings so clients look dead
	MutePings bool

	// RequireToken, when set, rejects any hello carrying a different token
	RequireToken string
}

type ChatServer struct {
	logger  *logger.Logger
	options Options

	server *httptest.Server

	connLock sync.Mutex
	conns    map[*serverConn]struct{}
	sessions int

	pings atomic.Int64

	received   chan chat.Message
	receipts   chan chatwire.ReceiptPayload
	handshakes chan chatwire.HelloPayload

	// Url is where the server is listening, e.g. http://127.0.0.1:53681.
	// Suites dialing it must point the websocket transporter at the http
	// scheme first.
	Url string
}

// serverConn wraps a websocket because gorilla supports one concurrent
// writer only
type serverConn struct {
	writeLock sync.Mutex
	ws        *gorilla.Conn
}

func (c *serverConn) sendFrame(frame chatwire.Frame) error {
	messageBytes, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("error marshalling outgoing chatwire frame: %+v", frame)
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.ws.WriteMessage(gorilla.TextMessage, messageBytes)
}

func New(logger *logger.Logger, options Options) *ChatServer {
	if options.Endpoint == "" {
		options.Endpoint = defaultEndpoint
	}
	options.Endpoint = path.Join("/", options.Endpoint)
	if options.Protocol == "" {
		options.Protocol = chatwire.ProtocolVersion
	}
	if options.Receipts == "" {
		options.Receipts = ReceiptsSilent
	}

	chatServer := &ChatServer{
		logger:     logger,
		options:    options,
		conns:      make(map[*serverConn]struct{}),
		received:   make(chan chat.Message, 64),
		receipts:   make(chan chatwire.ReceiptPayload, 64),
		handshakes: make(chan chatwire.HelloPayload, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(options.Endpoint, chatServer.serve)

	chatServer.server = httptest.NewServer(mux)
	chatServer.Url = chatServer.server.URL + options.Endpoint

	return chatServer
}

// Received carries every chat message clients have sent us
func (s *ChatServer) Received() <-chan chat.Message {
	return s.received
}

// Receipts carries every receipt clients have sent us, such as the read
// receipts a client raises for its user
func (s *ChatServer) Receipts() <-chan chatwire.ReceiptPayload {
	return s.receipts
}

// Handshakes carries the hello payload of every connection attempt
func (s *ChatServer) Handshakes() <-chan chatwire.HelloPayload {
	return s.handshakes
}

// PingCount reports how many pings have arrived across all connections
func (s *ChatServer) PingCount() int64 {
	return s.pings.Load()
}

func (s *ChatServer) ConnectionCount() int {
	s.connLock.Lock()
	defer s.connLock.Unlock()
	return len(s.conns)
}

// SendMessage pushes a chat message down every live connection. A pooled
// client will therefore see duplicates, which is exactly what its dedupe
// window is for; run a pool of one for single-copy delivery.
func (s *ChatServer) SendMessage(message chat.Message) error {
	return s.broadcast(chatwire.Frame{Op: chatwire.Msg, Message: &message})
}

// SendReceipt pushes a delivery or read receipt down every live connection
func (s *ChatServer) SendReceipt(receipt chatwire.ReceiptPayload) error {
	return s.broadcast(chatwire.Frame{Op: chatwire.Receipt, Receipt: &receipt})
}

// SendBye tells every live connection the session is over
func (s *ChatServer) SendBye(reason string) error {
	return s.broadcast(chatwire.Frame{Op: chatwire.Bye, Bye: &chatwire.ByePayload{Reason: reason}})
}

func (s *ChatServer) broadcast(frame chatwire.Frame) error {
	s.connLock.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.connLock.Unlock()

	if len(conns) == 0 {
		return fmt.Errorf("no live connections to send on")
	}

	for _, conn := range conns {
		if err := conn.sendFrame(frame); err != nil {
			return err
		}
	}
	return nil
}

// BreakConnections severs every websocket without a close handshake, the
// way a dropped network would
func (s *ChatServer) BreakConnections() {
	s.connLock.Lock()
	defer s.connLock.Unlock()

	s.logger.Infof("Breaking %d websocket connection(s)", len(s.conns))
	for conn := range s.conns {
		conn.ws.Close()
	}
}

// CloseConnections performs the websocket close handshake on every live
// connection, the way a clean server shutdown would
func (s *ChatServer) CloseConnections() {
	s.connLock.Lock()
	defer s.connLock.Unlock()

	s.logger.Infof("Closing %d websocket connection(s)", len(s.conns))
	for conn := range s.conns {
		conn.writeLock.Lock()
		conn.ws.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "server shutting down"))
		conn.writeLock.Unlock()
	}
}

func (s *ChatServer) Close() {
	s.BreakConnections()
	s.server.Close()
}

func (s *ChatServer) serve(w http.ResponseWriter, r *http.Request) {
	upgrader := gorilla.Upgrader{}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorf("Failed to upgrade connection: %s", err)
		return
	}

	conn := &serverConn{ws: ws}
	s.connLock.Lock()
	s.conns[conn] = struct{}{}
	s.connLock.Unlock()

	defer func() {
		s.connLock.Lock()
		delete(s.conns, conn)
		s.connLock.Unlock()
		ws.Close()
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var frame chatwire.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.logger.Errorf("Dropping unparseable frame: %s", string(raw))
			continue
		}

		if closing := s.handle(conn, frame); closing {
			return
		}
	}
}

// handle reacts to a single frame and reports whether the connection
// should close
func (s *ChatServer) handle(conn *serverConn, frame chatwire.Frame) bool {
	switch frame.Op {

	case chatwire.Hello:
		if frame.Hello == nil {
			return false
		}

		select {
		case s.handshakes <- *frame.Hello:
		default:
		}

		if s.options.RequireToken != "" && frame.Hello.Token != s.options.RequireToken {
			s.logger.Infof("Rejecting hello with token %q", frame.Hello.Token)
			conn.sendFrame(chatwire.Frame{
				Op:  chatwire.Bye,
				Bye: &chatwire.ByePayload{Reason: "authentication failed"},
			})
			return true
		}

		s.connLock.Lock()
		s.sessions++
		sessionId := fmt.Sprintf("session-%d", s.sessions)
		s.connLock.Unlock()

		conn.sendFrame(chatwire.Frame{
			Op: chatwire.Welcome,
			Welcome: &chatwire.WelcomePayload{
				SessionId: sessionId,
				Protocol:  s.options.Protocol,
				Server:    "parley-test",
			},
		})

	case chatwire.Ping:
		s.pings.Add(1)
		if s.options.MutePings || frame.Ping == nil {
			return false
		}

		conn.sendFrame(chatwire.Frame{
			Op: chatwire.Pong,
			Pong: &chatwire.PongPayload{
				SentAt:   frame.Ping.SentAt,
				EchoedAt: time.Now().UnixMilli(),
			},
		})

	case chatwire.Msg:
		if frame.Message == nil {
			return false
		}

		select {
		case s.received <- *frame.Message:
		default:
		}

		s.acknowledge(conn, frame.Message.Id)

	case chatwire.Receipt:
		if frame.Receipt == nil {
			return false
		}

		select {
		case s.receipts <- *frame.Receipt:
		default:
		}

	case chatwire.Bye:
		return true
	}

	return false
}

func (s *ChatServer) acknowledge(conn *serverConn, messageId string) {
	mode := s.options.Receipts
	if mode == ReceiptsSilent {
		return
	}

	now := time.Now().UnixMilli()

	if mode == ReceiptsDelivered || mode == ReceiptsBoth {
		conn.sendFrame(chatwire.Frame{
			Op: chatwire.Receipt,
			Receipt: &chatwire.ReceiptPayload{
				Kind:      chatwire.Delivered,
				MessageId: messageId,
				At:        now,
			},
		})
	}

	if mode == ReceiptsRead || mode == ReceiptsBoth {
		conn.sendFrame(chatwire.Frame{
			Op: chatwire.Receipt,
			Receipt: &chatwire.ReceiptPayload{
				Kind:      chatwire.Read,
				MessageId: messageId,
				At:        now,
			},
		})
	}
}
