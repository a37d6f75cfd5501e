/*
The pool package is the connection manager: it owns a primary plus N-1
backup connections to the Parley backend, keeps the primary honest with
heartbeats, fails over to a healthy backup when the primary goes quiet, and
re-dials lost slots with exponential backoff. The dispatcher sends through
it; inbound frames from every slot are multiplexed onto a single channel
for the client to route.
*/
package pool

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/benbjohnson/clock"
	"gopkg.in/tomb.v2"

	"github.com/parleychat/relaykit/chat"
	"github.com/parleychat/relaykit/connection"
	"github.com/parleychat/relaykit/connection/messenger"
	"github.com/parleychat/relaykit/connection/messenger/chatwire"
	"github.com/parleychat/relaykit/events"
	"github.com/parleychat/relaykit/logger"
)

const (
	// consecutive unanswered heartbeats before a connection is declared lost
	heartbeatMissTolerance = 2

	inboundBuffer = 200
)

type Config struct {
	// where every pooled connection dials
	Endpoint string
	Headers  http.Header
	Params   url.Values

	// total connections: one primary plus PoolSize-1 backups
	PoolSize int

	// how often the primary is pinged
	HeartbeatInterval time.Duration

	// how long one dial may take before it is abandoned
	ConnectTimeout time.Duration

	// reconnect backoff: attempt k waits min(BaseDelay*Factor^k, MaxDelay)
	BaseDelay            time.Duration
	BackoffFactor        float64
	MaxDelay             time.Duration
	MaxReconnectAttempts int
}

type Manager struct {
	tmb    tomb.Tomb
	logger *logger.Logger
	config Config

	lock        sync.RWMutex
	conns       []*managedConn
	closed      bool
	loopStarted bool

	inbound chan *chatwire.Frame
	factory MessengerFactory
	bus     *events.Bus
	clock   clock.Clock
}

var _ connection.Manager = (*Manager)(nil)

func New(logger *logger.Logger, config Config, factory MessengerFactory, bus *events.Bus, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if config.PoolSize < 1 {
		config.PoolSize = 1
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 2 * time.Second
	}

	return &Manager{
		logger:  logger,
		config:  config,
		inbound: make(chan *chatwire.Frame, inboundBuffer),
		factory: factory,
		bus:     bus,
		clock:   clk,
	}
}

// Connect dials the primary synchronously and the backups in the
// background. It returns once the primary handshake completes, or with a
// ConnectionTimeoutError when that takes longer than ConnectTimeout. Called
// again after the pool exhausted its reconnect budget, it re-dials whatever
// slots are down.
func (m *Manager) Connect(ctx context.Context) error {
	if m.isClosed() {
		return &connection.ClosedError{}
	}

	m.buildSlots()

	primary := m.primary()
	freshPrimary := primary.getState() != connection.Connected
	if freshPrimary {
		if err := m.dial(ctx, primary); err != nil {
			return err
		}
	}

	m.ensureLoops()

	if freshPrimary {
		m.startServing(primary)
		m.logger.Infof("Primary connection %s is up", primary.id)
		m.bus.Publish(events.Event{Kind: events.Connected, ConnectionId: primary.id})
	}

	// backups come up in parallel without holding the caller hostage
	for _, slot := range m.snapshot() {
		if slot == primary || slot.getState() == connection.Connected {
			continue
		}
		slot := slot
		m.tmb.Go(func() error {
			m.dialBackup(slot)
			return nil
		})
	}

	return nil
}

func (m *Manager) Send(message chat.Message) error {
	return m.sendAcross(message.Id, func(client messenger.Messenger) error {
		return client.Send(message)
	})
}

// SendReceipt reports delivery or read progress upstream. Receipts ride the
// same fallback path as messages.
func (m *Manager) SendReceipt(receipt chatwire.ReceiptPayload) error {
	return m.sendAcross(receipt.MessageId, func(client messenger.Messenger) error {
		return client.SendReceipt(receipt)
	})
}

// sendAcross tries the primary first, then every connected backup in pool
// order. An error means nothing accepted the payload; the dispatcher owns
// what happens next.
func (m *Manager) sendAcross(messageId string, send func(messenger.Messenger) error) error {
	if m.isClosed() {
		return &connection.ClosedError{}
	}

	primary := m.primary()
	candidates := make([]*managedConn, 0, m.config.PoolSize)
	if primary != nil {
		candidates = append(candidates, primary)
	}
	for _, slot := range m.snapshot() {
		if slot != primary {
			candidates = append(candidates, slot)
		}
	}

	for _, slot := range candidates {
		if slot.getState() != connection.Connected {
			continue
		}
		if err := send(slot.client); err != nil {
			slot.tracker.RecordSendError()
			m.logger.Errorf("Connection %s refused the send: %s", slot.id, err)
			continue
		}
		slot.tracker.RecordSend()
		return nil
	}

	return &connection.SendUnavailableError{MessageId: messageId}
}

// Inbound carries frames from every pooled connection
func (m *Manager) Inbound() <-chan *chatwire.Frame {
	return m.inbound
}

// State reports the pool through the primary's eyes
func (m *Manager) State() connection.State {
	m.lock.RLock()
	defer m.lock.RUnlock()

	if m.closed {
		return connection.Closed
	}
	primary := m.primaryLocked()
	if primary == nil {
		return connection.Disconnected
	}
	return primary.getState()
}

// Ready is true while at least one connection can carry traffic
func (m *Manager) Ready() bool {
	return m.anyConnected()
}

func (m *Manager) Metrics() connection.NetworkMetrics {
	if primary := m.primary(); primary != nil {
		return primary.tracker.Snapshot()
	}
	return connection.NetworkMetrics{}
}

func (m *Manager) Connections() []connection.Info {
	m.lock.RLock()
	defer m.lock.RUnlock()

	infos := make([]connection.Info, 0, len(m.conns))
	for _, slot := range m.conns {
		infos = append(infos, slot.info())
	}
	return infos
}

func (m *Manager) Done() <-chan struct{} {
	return m.tmb.Dead()
}

func (m *Manager) Err() error {
	return m.tmb.Err()
}

// Destroy is the one intentional way down: it suppresses reconnection,
// stops the heartbeat and backoff timers, then closes every pooled
// connection. Sends arriving afterward fail with ClosedError.
func (m *Manager) Destroy(timeout time.Duration) {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return
	}
	m.closed = true
	started := m.loopStarted
	conns := make([]*managedConn, len(m.conns))
	copy(conns, m.conns)
	m.lock.Unlock()

	m.logger.Infof("Destroying the connection pool")
	reason := &connection.ClosedError{}

	// timers die first so no callback fires against a torn-down pool
	m.tmb.Kill(reason)

	for _, slot := range conns {
		slot.client.Close(reason)
		slot.setState(connection.Closed)
	}

	if !started {
		return
	}

	select {
	case <-m.tmb.Dead():
	case <-time.After(timeout):
		m.logger.Infof("Timed out waiting for the connection pool to shut down")
	}
}

// buildSlots lays the pool out on first connect: slot one is the primary,
// the rest are backups. Roles move around later; slots never do.
func (m *Manager) buildSlots() {
	m.lock.Lock()
	defer m.lock.Unlock()

	if len(m.conns) > 0 {
		return
	}

	for i := 0; i < m.config.PoolSize; i++ {
		role := connection.Backup
		if i == 0 {
			role = connection.Primary
		}
		id := fmt.Sprintf("conn-%d", i+1)
		client := m.factory(m.logger.GetConnectionLogger(id))
		m.conns = append(m.conns, newManagedConn(id, role, client, m.clock))
	}
}

// ensureLoops starts the heartbeat loop exactly once for the life of the pool
func (m *Manager) ensureLoops() {
	m.lock.Lock()
	if m.loopStarted {
		m.lock.Unlock()
		return
	}
	m.loopStarted = true
	m.lock.Unlock()

	m.tmb.Go(func() error {
		m.logger.Infof("Connection pool has started")
		defer m.logger.Infof("Connection pool has stopped")

		ticker := m.clock.Ticker(m.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.tmb.Dying():
				return nil
			case <-ticker.C:
				m.checkPrimaryHealth()
			}
		}
	})
}

// checkPrimaryHealth runs once per heartbeat tick. A pong seen since the
// last ping clears the miss count; heartbeatMissTolerance consecutive
// silent intervals and the primary is declared lost.
func (m *Manager) checkPrimaryHealth() {
	primary := m.primary()
	if primary == nil || primary.getState() != connection.Connected {
		return
	}

	if primary.awaitingPong() && !primary.takePongSeen() {
		misses := primary.recordMiss()
		if misses >= heartbeatMissTolerance {
			m.handleLoss(primary, &connection.ConnectionLostError{
				ConnectionId: primary.id,
				Cause:        fmt.Errorf("%d consecutive heartbeats went unanswered", misses),
			})
			return
		}
	}

	primary.tracker.RecordPing()
	if err := primary.client.Ping(); err != nil {
		m.logger.Errorf("Failed to ping primary connection %s: %s", primary.id, err)
	}
	primary.setAwaitingPong()
}

// serve pumps one slot's inbound traffic onto the shared channel and
// watches for the messenger dying underneath us. One serve goroutine runs
// per live connection and exits when the connection does.
func (m *Manager) serve(slot *managedConn) {
	for {
		select {
		case <-m.tmb.Dying():
			return
		case <-slot.client.Done():
			m.handleLoss(slot, &connection.ConnectionLostError{
				ConnectionId: slot.id,
				Cause:        slot.client.Err(),
			})
			return
		case frame := <-slot.client.Inbound():
			select {
			case m.inbound <- frame:
			default:
				m.logger.Errorf("Inbound channel is full, dropping a %s frame", frame.Op)
			}
		case rtt := <-slot.client.Pongs():
			slot.tracker.RecordPong(rtt)
			slot.markPong()
		}
	}
}

func (m *Manager) startServing(slot *managedConn) {
	m.tmb.Go(func() error {
		m.serve(slot)
		return nil
	})
}

// handleLoss runs when a connection drops, whether the messenger died or
// the heartbeat went quiet. It tears the slot down, hands the primary role
// to a healthy backup if one exists, and starts the reconnect loop.
func (m *Manager) handleLoss(slot *managedConn, cause error) {
	if m.isClosed() || !m.tmb.Alive() {
		return
	}
	if !slot.beginReconnect() {
		return
	}

	m.logger.Errorf("%s", cause)

	slot.client.Close(cause)
	slot.setState(connection.Reconnecting)
	slot.resetHeartbeat()

	if slot.getRole() == connection.Primary {
		m.failover(slot)
	}

	// consumers only hear about it when the pool as a whole loses its voice
	if !m.anyConnected() {
		m.bus.Publish(events.Event{
			Kind:         events.Disconnected,
			ConnectionId: slot.id,
			Reason:       cause.Error(),
		})
	}

	m.tmb.Go(func() error {
		m.reconnectLoop(slot)
		return nil
	})
}

// failover promotes the first connected backup to primary. With no healthy
// backup the lost slot keeps the role and its reconnect loop restores it.
func (m *Manager) failover(lost *managedConn) {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, candidate := range m.conns {
		if candidate == lost || candidate.getState() != connection.Connected {
			continue
		}

		lost.setRole(connection.Backup)
		candidate.setRole(connection.Primary)
		candidate.resetHeartbeat()
		m.logger.Infof("Failing over: backup connection %s promoted to primary", candidate.id)
		return
	}
}

// dialBackup gives a backup slot its first dial. Failure is not fatal; the
// slot is handed to the reconnect machinery instead.
func (m *Manager) dialBackup(slot *managedConn) {
	if !slot.beginReconnect() {
		return
	}

	ctx, cancel := m.tombContext()
	defer cancel()

	if err := m.dial(ctx, slot); err != nil {
		m.logger.Errorf("Backup connection %s failed its first dial: %s", slot.id, err)
		slot.setState(connection.Reconnecting)
		m.tmb.Go(func() error {
			// the reconnect loop takes over the claim on this slot
			m.reconnectLoop(slot)
			return nil
		})
		return
	}

	slot.endReconnect()
	m.startServing(slot)
	m.logger.Infof("Backup connection %s is up", slot.id)
	m.bus.Publish(events.Event{Kind: events.Connected, ConnectionId: slot.id})
}

// reconnectLoop re-dials a lost slot until it comes back, the attempt
// budget runs out, or the pool shuts down. The caller has already claimed
// the slot; the claim is released when this loop returns.
func (m *Manager) reconnectLoop(slot *managedConn) {
	defer slot.endReconnect()

	ctx, cancel := m.tombContext()
	defer cancel()

	backoffParams := backoff.NewExponentialBackOff()
	backoffParams.InitialInterval = time.Duration(float64(m.config.BaseDelay) * m.config.BackoffFactor)
	backoffParams.RandomizationFactor = 0
	backoffParams.Multiplier = m.config.BackoffFactor
	backoffParams.MaxInterval = m.config.MaxDelay
	backoffParams.MaxElapsedTime = 0

	ticker := backoff.NewTicker(backoffParams)
	defer ticker.Stop()

	// the ticker fires once immediately; the configured delays start
	// counting from the second tick
	armed := false
	attempts := 0

	for {
		select {
		case <-m.tmb.Dying():
			return
		case _, ok := <-ticker.C:
			if !ok {
				return
			}
			if !armed {
				armed = true
				continue
			}

			attempts++
			if attempts > m.config.MaxReconnectAttempts {
				m.giveUp(slot, attempts-1)
				return
			}

			m.bus.Publish(events.Event{Kind: events.Reconnecting, ConnectionId: slot.id, Attempt: attempts})
			m.logger.Infof("Reconnecting %s, attempt %d of %d", slot.id, attempts, m.config.MaxReconnectAttempts)

			if err := m.dial(ctx, slot); err != nil {
				m.logger.Errorf("Reconnect attempt %d for %s failed: %s", attempts, slot.id, err)
				slot.setState(connection.Reconnecting)
				continue
			}

			m.electPrimary(slot)
			m.startServing(slot)
			m.logger.Infof("Connection %s is back after %d attempts", slot.id, attempts)
			m.bus.Publish(events.Event{Kind: events.Connected, ConnectionId: slot.id})
			return
		}
	}
}

// giveUp retires a slot whose reconnect budget ran out. Nothing touches the
// slot again until Connect is called explicitly.
func (m *Manager) giveUp(slot *managedConn, attempts int) {
	slot.setState(connection.Disconnected)

	exhausted := &connection.ConnectionExhaustedError{Attempts: attempts}
	m.logger.Errorf("Giving up on connection %s: %s", slot.id, exhausted)

	if !m.anyConnected() {
		m.bus.Publish(events.Event{
			Kind:         events.ConnectionExhausted,
			ConnectionId: slot.id,
			Reason:       exhausted.Error(),
			Attempt:      attempts,
		})
	}
}

// dial opens one slot's transport and completes the protocol handshake
func (m *Manager) dial(ctx context.Context, slot *managedConn) error {
	slot.setState(connection.Connecting)

	dialCtx, cancel := context.WithTimeout(ctx, m.config.ConnectTimeout)
	defer cancel()

	if err := slot.client.Connect(dialCtx, m.config.Endpoint, m.config.Headers, m.config.Params); err != nil {
		slot.setState(connection.Disconnected)
		if dialCtx.Err() == context.DeadlineExceeded {
			return &connection.ConnectionTimeoutError{
				Endpoint: m.config.Endpoint,
				Timeout:  m.config.ConnectTimeout,
			}
		}
		return err
	}

	slot.setState(connection.Connected)
	slot.resetHeartbeat()
	slot.tracker.MarkConnected()
	return nil
}

// electPrimary hands the primary role to the given slot when the current
// holder is in no condition to carry it
func (m *Manager) electPrimary(slot *managedConn) {
	m.lock.Lock()
	defer m.lock.Unlock()

	current := m.primaryLocked()
	if current == nil {
		slot.setRole(connection.Primary)
		return
	}
	if current == slot || current.getState() == connection.Connected {
		return
	}

	current.setRole(connection.Backup)
	slot.setRole(connection.Primary)
	slot.resetHeartbeat()
	m.logger.Infof("Connection %s takes over as primary", slot.id)
}

// tombContext returns a context cancelled when the pool starts dying
func (m *Manager) tombContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-m.tmb.Dying():
			cancel()
		}
	}()
	return ctx, cancel
}

func (m *Manager) primary() *managedConn {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.primaryLocked()
}

func (m *Manager) primaryLocked() *managedConn {
	for _, slot := range m.conns {
		if slot.getRole() == connection.Primary {
			return slot
		}
	}
	return nil
}

func (m *Manager) snapshot() []*managedConn {
	m.lock.RLock()
	defer m.lock.RUnlock()

	conns := make([]*managedConn, len(m.conns))
	copy(conns, m.conns)
	return conns
}

func (m *Manager) anyConnected() bool {
	m.lock.RLock()
	defer m.lock.RUnlock()

	for _, slot := range m.conns {
		if slot.getState() == connection.Connected {
			return true
		}
	}
	return false
}

func (m *Manager) isClosed() bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.closed
}
