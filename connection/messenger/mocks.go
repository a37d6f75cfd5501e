package messenger

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/parleychat/relaykit/chat"
	"github.com/parleychat/relaykit/connection/messenger/chatwire"
	"github.com/stretchr/testify/mock"
)

type MockMessenger struct {
	Messenger
	mock.Mock
}

func (m *MockMessenger) Close(reason error) {
	m.Called()
}

func (m *MockMessenger) Done() <-chan struct{} {
	args := m.Called()
	return args.Get(0).(chan struct{})
}

func (m *MockMessenger) Err() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockMessenger) Inbound() <-chan *chatwire.Frame {
	args := m.Called()
	return args.Get(0).(chan *chatwire.Frame)
}

func (m *MockMessenger) Connect(ctx context.Context, targetUrl string, headers http.Header, params url.Values) error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockMessenger) Send(message chat.Message) error {
	args := m.Called(message)
	return args.Error(0)
}

func (m *MockMessenger) SendReceipt(receipt chatwire.ReceiptPayload) error {
	args := m.Called(receipt)
	return args.Error(0)
}

func (m *MockMessenger) Ping() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockMessenger) Pongs() <-chan time.Duration {
	args := m.Called()
	return args.Get(0).(chan time.Duration)
}

func (m *MockMessenger) SessionId() string {
	args := m.Called()
	return args.String(0)
}
