/*
The client package assembles the full relay stack into the one object an
embedding application holds: storage, cache, event bus, connection pool,
dispatcher, and telemetry, wired the way they are meant to run together.
Construct it from a config and a session, Start it, send through Send, drain
Messages and Events, and Close it when the conversation is over.
*/
package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/parleychat/relaykit/cache"
	"github.com/parleychat/relaykit/chat"
	"github.com/parleychat/relaykit/config"
	"github.com/parleychat/relaykit/connection"
	"github.com/parleychat/relaykit/connection/broker"
	"github.com/parleychat/relaykit/connection/messenger"
	"github.com/parleychat/relaykit/connection/messenger/chatwire"
	"github.com/parleychat/relaykit/connection/pool"
	"github.com/parleychat/relaykit/connection/transporter/websocket"
	"github.com/parleychat/relaykit/dispatch"
	"github.com/parleychat/relaykit/events"
	"github.com/parleychat/relaykit/logger"
	"github.com/parleychat/relaykit/session"
	"github.com/parleychat/relaykit/storage"
	"github.com/parleychat/relaykit/storage/file"
	"github.com/parleychat/relaykit/storage/sqlite"
	"github.com/parleychat/relaykit/telemetry"
	"gopkg.in/tomb.v2"
)

// the client name presented in the websocket handshake
const clientName = "relaykit"

// inbound messages waiting for the application to drain them
const messageBuffer = 64

// Stats is a point-in-time picture of the whole stack
type Stats struct {
	State         connection.State          `json:"state"`
	Connections   []connection.Info         `json:"connections"`
	Network       connection.NetworkMetrics `json:"network"`
	Dispatch      dispatch.Stats            `json:"dispatch"`
	Cache         cache.Stats               `json:"cache"`
	Traffic       telemetry.TrafficDigest   `json:"traffic"`
	DroppedEvents uint64                    `json:"droppedEvents"`
	Deduplicated  uint64                    `json:"deduplicated"`
}

type Client struct {
	logger *logger.Logger
	config *config.Config

	store      storage.Store
	bus        *events.Bus
	cache      *cache.Store
	pool       connection.Manager
	dispatcher *dispatch.Dispatcher
	observer   *telemetry.Observer
	broker     *broker.Broker

	// ids of recently seen inbound messages, because a pooled client can
	// receive the same message on more than one connection
	dedupe  *lru.Cache[string, struct{}]
	deduped atomic.Uint64

	senderId string

	tmb      tomb.Tomb
	doneChan chan struct{}
	messages chan chat.Message

	lock    sync.Mutex
	started bool
	routing bool
	closed  bool
}

// New wires the stack but touches no network. The session supplies the
// token the handshake presents and, unless the config overrides it, the
// endpoint to dial; pass nil to connect anonymously to a configured
// endpoint.
func New(log *logger.Logger, cfg *config.Config, sess *session.Session) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	endpoint := cfg.Connection.Endpoint
	token := ""
	senderId := "visitor"
	if sess != nil {
		if endpoint == "" {
			endpoint = sess.Endpoint
		}
		token = sess.Token
		if sess.VisitorId != "" {
			senderId = sess.VisitorId
		}
	}
	if endpoint == "" {
		return nil, fmt.Errorf("no endpoint to dial: configure one or log in first")
	}

	store, err := OpenStore(cfg.Storage)
	if err != nil {
		return nil, err
	}

	dedupe, err := lru.New[string, struct{}](cfg.Events.DedupeWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to build the dedupe window: %w", err)
	}

	bus := events.NewBusBuffer(cfg.Events.Buffer)

	cacheStore := cache.New(log.GetComponentLogger("cache"), cache.Config{
		MaxEntries:           cfg.Cache.MaxEntries,
		DefaultMaxAge:        cfg.Cache.DefaultMaxAge.Duration(),
		CompressionThreshold: cfg.Cache.CompressionThreshold,
		CleanupInterval:      cfg.Cache.CleanupInterval.Duration(),
	}, store, nil)

	factory := func(l *logger.Logger) messenger.Messenger {
		return chatwire.New(l, websocket.New(l), token, clientName)
	}

	poolManager := pool.New(log.GetComponentLogger("pool"), pool.Config{
		Endpoint:             endpoint,
		PoolSize:             cfg.Connection.PoolSize,
		HeartbeatInterval:    cfg.Connection.HeartbeatInterval.Duration(),
		ConnectTimeout:       cfg.Connection.ConnectTimeout.Duration(),
		BaseDelay:            cfg.Connection.BaseDelay.Duration(),
		BackoffFactor:        cfg.Connection.BackoffFactor,
		MaxDelay:             cfg.Connection.MaxDelay.Duration(),
		MaxReconnectAttempts: cfg.Connection.MaxReconnectAttempts,
	}, factory, bus, nil)

	dispatcher := dispatch.New(log.GetComponentLogger("dispatcher"), dispatch.Config{
		ProcessInterval:     cfg.Dispatch.ProcessInterval.Duration(),
		BatchSize:           cfg.Dispatch.BatchSize,
		MaxAttempts:         cfg.Dispatch.MaxAttempts,
		RetryDelay:          cfg.Dispatch.RetryDelay.Duration(),
		RetryBackoffFactor:  cfg.Dispatch.RetryBackoffFactor,
		ConfirmationTimeout: cfg.Dispatch.ConfirmationTimeout.Duration(),
		QueueCeiling:        cfg.Dispatch.QueueCeiling,
	}, poolManager, bus, store, nil)

	observer := telemetry.NewObserver(log.GetComponentLogger("telemetry"), bus, telemetry.Samplers{
		Dispatch: func() (int, int) {
			return dispatcher.QueueDepth(), dispatcher.Stats().Pending
		},
		Connected: func() int {
			connected := 0
			for _, info := range poolManager.Connections() {
				if info.State == connection.Connected {
					connected++
				}
			}
			return connected
		},
		Cache: func() (int64, int64, int) {
			stats := cacheStore.Stats()
			return stats.Hits, stats.Misses, stats.Entries
		},
		Dropped: bus.Dropped,
	}, nil)

	return &Client{
		logger:     log,
		config:     cfg,
		store:      store,
		bus:        bus,
		cache:      cacheStore,
		pool:       poolManager,
		dispatcher: dispatcher,
		observer:   observer,
		broker:     broker.New(),
		dedupe:     dedupe,
		senderId:   senderId,
		doneChan:   make(chan struct{}),
		messages:   make(chan chat.Message, messageBuffer),
	}, nil
}

// OpenStore builds the storage backend the config names. It is shared with
// relayctl, which persists a session before any client exists.
func OpenStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return storage.NewMemory(), nil
	case "file":
		return file.NewStore(cfg.Path)
	case "sqlite":
		return sqlite.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Start restores persisted state, dials the pool, and launches the
// dispatcher and the inbound router. It returns once the primary
// connection's handshake has completed.
func (c *Client) Start(ctx context.Context) error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return fmt.Errorf("client is closed")
	}
	if c.started {
		c.lock.Unlock()
		return fmt.Errorf("client is already started")
	}
	c.started = true
	c.lock.Unlock()

	if c.config.Storage.Persist {
		if err := c.dispatcher.Restore(); err != nil {
			c.logger.Errorf("Could not restore queued messages: %s", err)
		}
		if err := c.cache.Restore(); err != nil {
			c.logger.Errorf("Could not restore the cache: %s", err)
		}
	}

	if err := c.cache.Start(); err != nil {
		return err
	}

	if err := c.pool.Connect(ctx); err != nil {
		return err
	}

	if err := c.dispatcher.Start(); err != nil {
		return err
	}

	c.tmb.Go(c.route)
	c.lock.Lock()
	c.routing = true
	c.lock.Unlock()

	return nil
}

// route feeds inbound frames to their consumers: chat messages to the
// application, receipts to the dispatcher's confirmation tracking
func (c *Client) route() error {
	defer c.logger.Infof("Inbound routing stopped")
	defer close(c.messages)

	for {
		select {
		case <-c.tmb.Dying():
			return nil
		case <-c.pool.Done():
			return c.pool.Err()
		case frame := <-c.pool.Inbound():
			c.handleFrame(frame)
		}
	}
}

func (c *Client) handleFrame(frame *chatwire.Frame) {
	switch frame.Op {
	case chatwire.Msg:
		c.handleMessage(*frame.Message)

	case chatwire.Receipt:
		receipt := *frame.Receipt
		switch receipt.Kind {
		case chatwire.Delivered:
			c.dispatcher.ConfirmDelivery(receipt.MessageId)
		case chatwire.Read:
			c.dispatcher.ConfirmRead(receipt.MessageId)
		default:
			c.logger.Debugf("Ignoring %s receipt for message %s", receipt.Kind, receipt.MessageId)
		}

	default:
		c.logger.Debugf("Ignoring inbound %s frame", frame.Op)
	}
}

func (c *Client) handleMessage(message chat.Message) {
	if seen, _ := c.dedupe.ContainsOrAdd(message.Id, struct{}{}); seen {
		c.deduped.Add(1)
		c.logger.Debugf("Dropping duplicate of message %s", message.Id)
		return
	}

	c.observer.CountInbound(1)

	// tell the backend the message made it this far
	if err := c.pool.SendReceipt(chatwire.ReceiptPayload{
		Kind:      chatwire.Delivered,
		MessageId: message.Id,
	}); err != nil {
		c.logger.Debugf("Could not acknowledge message %s: %s", message.Id, err)
	}

	if conversationId := message.Metadata[chat.MetadataConversationId]; conversationId != "" {
		if err := c.broker.DirectMessage(conversationId, message); err != nil {
			c.logger.Debugf("No subscriber for conversation %s", conversationId)
		}
	} else {
		c.broker.Broadcast(message)
	}

	select {
	case c.messages <- message:
	default:
		c.logger.Errorf("Dropping message %s because the inbound buffer is full", message.Id)
	}
}

// Send queues a fresh message and returns its id. Delivery happens in the
// background; watch Events for its progress.
func (c *Client) Send(content string, messageType chat.MessageType, priority dispatch.Priority) (string, error) {
	return c.SendMessage(chat.New(messageType, content, c.senderId), priority)
}

// SendMessage queues a caller-built message, for senders that need to set
// metadata such as the conversation id
func (c *Client) SendMessage(message chat.Message, priority dispatch.Priority) (string, error) {
	if message.SenderId == "" {
		message.SenderId = c.senderId
	}
	return c.dispatcher.Enqueue(message, priority)
}

// ConfirmRead tells the backend the user has read the message
func (c *Client) ConfirmRead(messageId string) error {
	return c.pool.SendReceipt(chatwire.ReceiptPayload{
		Kind:      chatwire.Read,
		MessageId: messageId,
	})
}

// Messages carries every inbound chat message, deduplicated across the
// pool. Conversation subscribers see their messages too; this channel is
// the unscoped view.
func (c *Client) Messages() <-chan chat.Message {
	return c.messages
}

// Events streams state changes until ctx is done
func (c *Client) Events(ctx context.Context) <-chan events.Event {
	return c.bus.Subscribe(ctx)
}

// SubscribeConversation routes messages carrying this conversation id to
// the given channel instead of broadcasting them
func (c *Client) SubscribeConversation(id string, channel broker.IChannel) {
	c.broker.Subscribe(id, channel)
}

func (c *Client) UnsubscribeConversation(id string) {
	c.broker.Unsubscribe(id)
}

// Cache exposes the conversation cache for history and profile lookups
func (c *Client) Cache() *cache.Store {
	return c.cache
}

// ClearQueue drops every queued outbound message
func (c *Client) ClearQueue() {
	c.dispatcher.ClearQueue()
}

func (c *Client) State() connection.State {
	return c.pool.State()
}

func (c *Client) Ready() bool {
	return c.pool.Ready()
}

func (c *Client) Stats() Stats {
	return Stats{
		State:         c.pool.State(),
		Connections:   c.pool.Connections(),
		Network:       c.pool.Metrics(),
		Dispatch:      c.dispatcher.Stats(),
		Cache:         c.cache.Stats(),
		Traffic:       c.observer.Traffic(),
		DroppedEvents: c.bus.Dropped(),
		Deduplicated:  c.deduped.Load(),
	}
}

// Done closes once the client has fully shut down
func (c *Client) Done() <-chan struct{} {
	return c.doneChan
}

// Close tears the stack down in dependency order and, when the config asks
// for persistence, snapshots queue and cache state for the next run. It is
// safe to call more than once.
func (c *Client) Close(reason error, timeout time.Duration) {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return
	}
	c.closed = true
	routing := c.routing
	c.lock.Unlock()

	if reason != nil {
		c.logger.Infof("Client closing because: %s", reason)
	}

	if routing {
		c.tmb.Kill(nil)
		select {
		case <-c.tmb.Dead():
		case <-time.After(timeout):
			c.logger.Infof("Timed out waiting for the inbound router to stop")
		}
	}

	c.dispatcher.Close(reason, timeout)
	c.pool.Destroy(timeout)

	if c.config.Storage.Persist {
		if err := c.dispatcher.Persist(); err != nil {
			c.logger.Errorf("Could not persist queued messages: %s", err)
		}
		if err := c.cache.Persist(); err != nil {
			c.logger.Errorf("Could not persist the cache: %s", err)
		}
	}

	c.cache.Close(reason, timeout)
	c.observer.Close()
	c.broker.Close(reason)
	c.bus.Close()

	if err := c.store.Close(); err != nil {
		c.logger.Errorf("Could not close the store: %s", err)
	}

	close(c.doneChan)
}
