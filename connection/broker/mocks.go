package broker

import (
	"github.com/parleychat/relaykit/chat"
	"github.com/stretchr/testify/mock"
)

type MockChannel struct {
	IChannel
	mock.Mock
}

func (m *MockChannel) Receive(message chat.Message) {
	m.Called()
}

func (m *MockChannel) Close(reason error) {
	m.Called()
}
