package messenger

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/parleychat/relaykit/chat"
	"github.com/parleychat/relaykit/connection/messenger/chatwire"
)

type Messenger interface {
	Close(reason error)
	Done() <-chan struct{}
	Err() error
	Inbound() <-chan *chatwire.Frame
	Connect(ctx context.Context, targetUrl string, headers http.Header, params url.Values) error
	Send(message chat.Message) error
	SendReceipt(receipt chatwire.ReceiptPayload) error
	Ping() error
	Pongs() <-chan time.Duration
	SessionId() string
}
