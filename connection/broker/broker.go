/*
The broker keeps track of which conversation channels are listening on a
connection and fans inbound chat traffic out to them. Channels subscribe
under their conversation id. Messages addressed to a conversation go to that
channel alone; messages without one are broadcast to every subscriber.
*/
package broker

import (
	"fmt"
	"sync"

	"github.com/parleychat/relaykit/chat"
)

type IChannel interface {
	Receive(message chat.Message)
	Close(reason error)
}

type Broker struct {
	lock     sync.RWMutex
	channels map[string]IChannel
}

func New() *Broker {
	return &Broker{
		channels: make(map[string]IChannel),
	}
}

func (b *Broker) Subscribe(id string, channel IChannel) {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.channels[id] = channel
}

func (b *Broker) Unsubscribe(id string) {
	b.lock.Lock()
	defer b.lock.Unlock()

	delete(b.channels, id)
}

func (b *Broker) NumChannels() int {
	b.lock.RLock()
	defer b.lock.RUnlock()

	return len(b.channels)
}

// DirectMessage hands the message to the channel subscribed under id
func (b *Broker) DirectMessage(id string, message chat.Message) error {
	b.lock.RLock()
	defer b.lock.RUnlock()

	channel, ok := b.channels[id]
	if !ok {
		return fmt.Errorf("no channel subscribed to conversation %s", id)
	}

	channel.Receive(message)
	return nil
}

// Broadcast hands the message to every subscribed channel
func (b *Broker) Broadcast(message chat.Message) {
	b.lock.RLock()
	defer b.lock.RUnlock()

	for _, channel := range b.channels {
		channel.Receive(message)
	}
}

// Close tells every channel the connection is gone and forgets them all
func (b *Broker) Close(reason error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	for _, channel := range b.channels {
		channel.Close(reason)
	}

	b.channels = make(map[string]IChannel)
}
