package connection

import (
	"context"
	"time"

	"github.com/parleychat/relaykit/chat"
	"github.com/parleychat/relaykit/connection/messenger/chatwire"
	"github.com/stretchr/testify/mock"
)

type MockManager struct {
	Manager
	mock.Mock
}

func (m *MockManager) Connect(ctx context.Context) error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockManager) Send(message chat.Message) error {
	args := m.Called(message)
	return args.Error(0)
}

func (m *MockManager) SendReceipt(receipt chatwire.ReceiptPayload) error {
	args := m.Called(receipt)
	return args.Error(0)
}

func (m *MockManager) Inbound() <-chan *chatwire.Frame {
	args := m.Called()
	return args.Get(0).(chan *chatwire.Frame)
}

func (m *MockManager) State() State {
	args := m.Called()
	return args.Get(0).(State)
}

func (m *MockManager) Ready() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockManager) Metrics() NetworkMetrics {
	args := m.Called()
	return args.Get(0).(NetworkMetrics)
}

func (m *MockManager) Connections() []Info {
	args := m.Called()
	return args.Get(0).([]Info)
}

func (m *MockManager) Done() <-chan struct{} {
	args := m.Called()
	return args.Get(0).(chan struct{})
}

func (m *MockManager) Err() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockManager) Destroy(timeout time.Duration) {
	m.Called()
}

type MockSender struct {
	Sender
	mock.Mock
}

func (m *MockSender) Send(message chat.Message) error {
	args := m.Called(message)
	return args.Error(0)
}
