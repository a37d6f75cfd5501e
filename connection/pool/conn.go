package pool

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/parleychat/relaykit/connection"
	"github.com/parleychat/relaykit/connection/messenger"
	"github.com/parleychat/relaykit/logger"
)

// MessengerFactory builds the protocol client behind one pool slot. Injected
// so tests can stand in mocks for the real chatwire stack.
type MessengerFactory func(logger *logger.Logger) messenger.Messenger

// managedConn is one slot of the pool: a messenger plus the role, state, and
// heartbeat bookkeeping the manager keeps about it. The messenger survives
// reconnects; only its transport gets torn down and re-dialed.
type managedConn struct {
	id      string
	client  messenger.Messenger
	tracker *connection.MetricsTracker

	lock         sync.Mutex
	role         connection.Role
	state        connection.State
	awaiting     bool // a ping went out and its pong has not been seen yet
	pongSeen     bool
	misses       int
	reconnecting bool
}

func newManagedConn(id string, role connection.Role, client messenger.Messenger, clk clock.Clock) *managedConn {
	return &managedConn{
		id:      id,
		client:  client,
		tracker: connection.NewMetricsTracker(clk),
		role:    role,
		state:   connection.Disconnected,
	}
}

func (c *managedConn) getState() connection.State {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

func (c *managedConn) setState(state connection.State) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.state = state
}

func (c *managedConn) getRole() connection.Role {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.role
}

func (c *managedConn) setRole(role connection.Role) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.role = role
}

// markPong records that the slot answered a heartbeat
func (c *managedConn) markPong() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.pongSeen = true
}

// takePongSeen consumes the pong flag; an answered heartbeat clears the
// miss count
func (c *managedConn) takePongSeen() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.pongSeen {
		return false
	}
	c.pongSeen = false
	c.misses = 0
	return true
}

func (c *managedConn) awaitingPong() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.awaiting
}

func (c *managedConn) setAwaitingPong() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.awaiting = true
}

func (c *managedConn) recordMiss() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.misses++
	return c.misses
}

func (c *managedConn) resetHeartbeat() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.awaiting = false
	c.pongSeen = false
	c.misses = 0
}

// beginReconnect claims the slot for redialing, so a heartbeat miss and the
// messenger dying can never race two reconnect loops onto one slot
func (c *managedConn) beginReconnect() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.reconnecting {
		return false
	}
	c.reconnecting = true
	return true
}

func (c *managedConn) endReconnect() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.reconnecting = false
}

func (c *managedConn) info() connection.Info {
	c.lock.Lock()
	role, state := c.role, c.state
	c.lock.Unlock()

	return connection.Info{
		Id:      c.id,
		Role:    role,
		State:   state,
		Metrics: c.tracker.Snapshot(),
	}
}
