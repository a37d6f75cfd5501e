package chatwire

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/mock"

	"github.com/parleychat/relaykit/chat"
	"github.com/parleychat/relaykit/connection/transporter"
	"github.com/parleychat/relaykit/logger"
)

func TestChatWire(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "ChatWire Suite")
}

var _ = Describe("ChatWire", Ordered, func() {
	var doneChan chan struct{}
	var inboundChan chan *[]byte
	var mockTransport *transporter.MockTransporter
	var chatWire *ChatWire

	// This needs to be correctly formatted but we don't care what's on the other side
	fakeUrl := "http://localhost:0"
	testSessionId := "d0f87eca-a407-4f7a-89d4-80c0b03a1a05"
	testToken := "visitor-token"
	testClientName := "relaykit-test"

	logger := logger.MockLogger(GinkgoWriter)
	ctx := context.Background()

	welcome := Frame{
		Op: Welcome,
		Welcome: &WelcomePayload{
			SessionId: testSessionId,
			Protocol:  ProtocolVersion,
			Server:    "parley-test",
		},
	}
	welcomeBytes, _ := json.Marshal(welcome)

	feedFrame := func(frame Frame) {
		frameBytes, err := json.Marshal(frame)
		Expect(err).ToNot(HaveOccurred())
		inboundChan <- &frameBytes
	}

	setupHappyTransport := func() error {
		mockTransport = &transporter.MockTransporter{}
		mockTransport.On("Dial").Return(nil)
		mockTransport.On("Send", mock.Anything).Return(nil)
		mockTransport.On("Close").Return()

		doneChan = make(chan struct{})
		mockTransport.On("Done").Return(doneChan)

		inboundChan = make(chan *[]byte, 1)
		mockTransport.On("Inbound").Return(inboundChan)

		// queue the server's welcome so the handshake can complete
		inboundChan <- &welcomeBytes

		chatWire = New(logger, mockTransport, testToken, testClientName)
		return chatWire.Connect(ctx, fakeUrl, http.Header{}, url.Values{})
	}

	Context("Connection", func() {
		When("The underlying connection fails to connect", func() {
			var err error

			BeforeEach(func() {
				mockTransport = &transporter.MockTransporter{}
				mockTransport.On("Dial").Return(fmt.Errorf("failure"))

				chatWire = New(logger, mockTransport, testToken, testClientName)
				err = chatWire.Connect(ctx, fakeUrl, http.Header{}, url.Values{})
			})

			It("fails to create the connection", func() {
				Expect(err).To(HaveOccurred(), "ChatWire should have failed to connect")
			})
		})

		When("The server answers the hello with a welcome", func() {
			var err error

			BeforeEach(func() {
				err = setupHappyTransport()
			})

			It("completes the handshake", func() {
				Expect(err).ToNot(HaveOccurred(), "ChatWire failed to complete its handshake")
				Expect(chatWire.SessionId()).To(Equal(testSessionId))
			})

			It("sends a hello frame with our credentials", func() {
				mockTransport.AssertCalled(GinkgoT(), "Send", mock.MatchedBy(func(raw []byte) bool {
					var frame Frame
					if err := json.Unmarshal(raw, &frame); err != nil {
						return false
					}
					return frame.Op == Hello && frame.Hello != nil && frame.Hello.Token == testToken
				}))
			})
		})

		When("The server speaks an incompatible protocol version", func() {
			var err error

			BeforeEach(func() {
				mockTransport = &transporter.MockTransporter{}
				mockTransport.On("Dial").Return(nil)
				mockTransport.On("Send", mock.Anything).Return(nil)
				mockTransport.On("Close").Return()

				doneChan = make(chan struct{})
				mockTransport.On("Done").Return(doneChan)

				inboundChan = make(chan *[]byte, 1)
				mockTransport.On("Inbound").Return(inboundChan)

				futureWelcome := Frame{
					Op: Welcome,
					Welcome: &WelcomePayload{
						SessionId: testSessionId,
						Protocol:  "2.0.0",
						Server:    "parley-test",
					},
				}
				futureWelcomeBytes, _ := json.Marshal(futureWelcome)
				inboundChan <- &futureWelcomeBytes

				chatWire = New(logger, mockTransport, testToken, testClientName)
				err = chatWire.Connect(ctx, fakeUrl, http.Header{}, url.Values{})
			})

			It("refuses the connection", func() {
				Expect(err).To(HaveOccurred(), "ChatWire should have rejected a 2.x server")
				mockTransport.AssertCalled(GinkgoT(), "Close")
			})
		})
	})

	Context("Sending", func() {
		When("It connects to a legitimate connection", func() {
			var err error

			testMessage := chat.Message{
				Id:       "7b0c4be1-9f54-4b1b-b495-53b0272b0a6b",
				Type:     chat.Text,
				Content:  "hello there",
				SenderId: "visitor-1",
			}

			BeforeEach(func() {
				setupHappyTransport()
				err = chatWire.Send(testMessage)
			})

			It("wraps the message in a msg frame", func() {
				Expect(err).ToNot(HaveOccurred(), "ChatWire failed to send to server")

				expectedBytes, _ := json.Marshal(Frame{Op: Msg, Message: &testMessage})
				mockTransport.AssertCalled(GinkgoT(), "Send", expectedBytes)
			})

			It("stamps receipts that have no timestamp", func() {
				err = chatWire.SendReceipt(ReceiptPayload{
					Kind:      Delivered,
					MessageId: testMessage.Id,
				})
				Expect(err).ToNot(HaveOccurred())

				mockTransport.AssertCalled(GinkgoT(), "Send", mock.MatchedBy(func(raw []byte) bool {
					var frame Frame
					if err := json.Unmarshal(raw, &frame); err != nil {
						return false
					}
					return frame.Op == Receipt && frame.Receipt != nil &&
						frame.Receipt.Kind == Delivered && frame.Receipt.At > 0
				}))
			})
		})
	})

	Context("Receiving", func() {
		testMessage := chat.Message{
			Id:       "073dd0b4-5ae1-4f75-9e8e-0aa118bc9eef",
			Type:     chat.Text,
			Content:  "anyone home?",
			SenderId: "agent-7",
		}

		When("The server forwards a chat message", func() {

			BeforeEach(func() {
				setupHappyTransport()
				feedFrame(Frame{Op: Msg, Message: &testMessage})
			})

			It("is able to receive", func() {
				var frame *Frame
				Eventually(chatWire.Inbound(), 1*time.Second).Should(Receive(&frame))

				Expect(frame.Op).To(Equal(Msg))
				Expect(frame.Message).ToNot(BeNil())
				Expect(frame.Message.Content).To(Equal(testMessage.Content), "We received a message different from the one the server sent: %+v", frame.Message)
			})
		})

		When("The server forwards a read receipt", func() {

			BeforeEach(func() {
				setupHappyTransport()
				feedFrame(Frame{
					Op: Receipt,
					Receipt: &ReceiptPayload{
						Kind:      Read,
						MessageId: testMessage.Id,
						At:        time.Now().UnixMilli(),
					},
				})
			})

			It("surfaces the receipt to the listener", func() {
				var frame *Frame
				Eventually(chatWire.Inbound(), 1*time.Second).Should(Receive(&frame))

				Expect(frame.Op).To(Equal(Receipt))
				Expect(frame.Receipt.MessageId).To(Equal(testMessage.Id))
			})
		})
	})

	Context("Liveness", func() {
		When("The server answers one of our pings", func() {

			BeforeEach(func() {
				setupHappyTransport()

				sentAt := time.Now().Add(-50 * time.Millisecond).UnixMilli()
				feedFrame(Frame{
					Op:   Pong,
					Pong: &PongPayload{SentAt: sentAt, EchoedAt: time.Now().UnixMilli()},
				})
			})

			It("reports the round trip time", func() {
				var rtt time.Duration
				Eventually(chatWire.Pongs(), 1*time.Second).Should(Receive(&rtt))
				Expect(rtt).To(BeNumerically(">=", 50*time.Millisecond))
			})
		})

		When("The server probes us with a ping", func() {
			var sentFrames chan Frame

			BeforeEach(func() {
				setupHappyTransport()

				// watch every frame that goes out so we can spot the reply
				sentFrames = make(chan Frame, 8)
				for _, call := range mockTransport.ExpectedCalls {
					if call.Method == "Send" {
						call.Run(func(args mock.Arguments) {
							var frame Frame
							if err := json.Unmarshal(args.Get(0).([]byte), &frame); err == nil {
								sentFrames <- frame
							}
						})
					}
				}

				feedFrame(Frame{Op: Ping, Ping: &PingPayload{SentAt: 42}})
			})

			It("answers with a pong that echoes the timestamp", func() {
				var reply Frame
				Eventually(sentFrames, 1*time.Second).Should(Receive(&reply))

				Expect(reply.Op).To(Equal(Pong))
				Expect(reply.Pong).ToNot(BeNil())
				Expect(reply.Pong.SentAt).To(Equal(int64(42)))
			})
		})
	})

	Context("Shutdown", func() {
		When("It is closed from above", func() {

			BeforeEach(func() {
				setupHappyTransport()

				chatWire.Close(fmt.Errorf("testing"))
			})

			It("closes in a reasonable time", func() {
				select {
				case <-chatWire.Done():
				case <-time.After(2 * time.Second):
					Expect(nil).ToNot(BeNil(), "ChatWire failed to close!")
				}
			})
		})

		When("It is closed from below", func() {

			BeforeEach(func() {
				setupHappyTransport()

				close(doneChan)
			})

			It("closes in a reasonable time", func() {
				select {
				case <-chatWire.Done():
				case <-time.After(2 * time.Second):
					Expect(nil).ToNot(BeNil(), "ChatWire failed to close!")
				}
			})
		})
	})

	Context("Processing a bye frame", func() {

		BeforeEach(func() {
			setupHappyTransport()
		})

		It("shuts down with the server's reason", func() {
			byeReason := "visitor session expired"
			feedFrame(Frame{Op: Bye, Bye: &ByePayload{Reason: byeReason}})

			Eventually(chatWire.Done()).WithTimeout(2 * time.Second).Should(BeClosed())
			Expect(chatWire.Err()).Should(MatchError(fmt.Errorf("%s", byeReason)))
		})
	})
})
