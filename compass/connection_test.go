package compass

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// fakeTransport is an in-memory Transport that answers the connect sequence
// the way the platform does. Responses are canned; counters record the
// lifecycle calls.
type fakeTransport struct {
	mutex           sync.Mutex
	connects        int
	disconnects     int
	resets          int
	failPings       int
	failSubscribe   bool
	dropOnCallsLoad bool
	status          TransportStatusFunction
	requests        []*Node
	messageHandlers []*fakeMessageHandler
}

type fakeMessageHandler struct {
	match   func(stanza *Node) bool
	handler MessageFunction
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (self *fakeTransport) Connect(ctx context.Context, credentials *Credentials, resource string, status TransportStatusFunction) error {
	self.mutex.Lock()
	self.connects += 1
	self.status = status
	self.mutex.Unlock()
	status(TransportStatusConnecting, "connecting")
	status(TransportStatusAuthenticating, "authenticating")
	status(TransportStatusConnected, "connected")
	return nil
}

func (self *fakeTransport) SendRequest(ctx context.Context, stanza *Node) (*Node, error) {
	self.mutex.Lock()
	self.requests = append(self.requests, stanza)
	self.mutex.Unlock()

	if stanza.First("ping") != nil {
		if self.takePingFailure() {
			return nil, fmt.Errorf("ping timeout")
		}
		return ParseStanza([]byte(`<iq type="result"/>`))
	}
	if stanza.First("query") != nil {
		// privacy list create / activate
		return ParseStanza([]byte(`<iq type="result"/>`))
	}
	if pubsub := stanza.First("pubsub"); pubsub != nil {
		if self.failSubscribe {
			return ParseStanza([]byte(
				`<iq type="result"><pubsub><subscription subscription="pending"/></pubsub></iq>`,
			))
		}
		subscribe := pubsub.First("subscribe")
		reply := NewNode("iq").
			SetAttr("type", "result").
			Add(NewNode("pubsub").
				Add(NewNode("subscription").
					SetAttr("node", subscribe.Attr("node")).
					SetAttr("jid", subscribe.Attr("jid")).
					SetAttr("subscription", "subscribed")))
		return reply, nil
	}
	if request := stanza.First("request"); request != nil {
		switch request.Attr("type") {
		case "GET_COMPANY":
			return ParseStanza([]byte(`
				<iq type="result">
					<result>
						<id>42</id>
						<name>testco</name>
					</result>
				</iq>
			`))
		case "GET":
			switch request.First("filter").Attr("type") {
			case "user":
				return ParseStanza([]byte(`
					<iq type="result">
						<result>
							<user id="u1">
								<name>Alice</name>
								<loggedIn>true</loggedIn>
								<identifiers>
									<xmppJid>alice@uc.example.com</xmppJid>
									<compassId>alice</compassId>
								</identifiers>
							</user>
						</result>
					</iq>
				`))
			case "queue":
				return ParseStanza([]byte(`
					<iq type="result">
						<result>
							<queue id="q1">
								<name>Support</name>
								<userEntries>
									<entry>
										<userId>u1</userId>
										<priority>1</priority>
									</entry>
								</userEntries>
							</queue>
						</result>
					</iq>
				`))
			case "call":
				if self.takeCallsLoadFailure() {
					// the link drops mid-synchronize: the read loop reports
					// Disconnected and the in-flight request fails
					self.statusFunction()(TransportStatusDisconnected, "connection lost")
					return nil, fmt.Errorf("connection lost")
				}
				return ParseStanza([]byte(`<iq type="result"><result/></iq>`))
			}
		}
	}
	return nil, fmt.Errorf("unexpected request: %s", stanza)
}

func (self *fakeTransport) takePingFailure() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if 0 < self.failPings {
		self.failPings -= 1
		return true
	}
	return false
}

func (self *fakeTransport) takeCallsLoadFailure() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.dropOnCallsLoad {
		self.dropOnCallsLoad = false
		return true
	}
	return false
}

func (self *fakeTransport) statusFunction() TransportStatusFunction {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.status
}

func (self *fakeTransport) Send(stanza *Node) error {
	self.mutex.Lock()
	self.requests = append(self.requests, stanza)
	self.mutex.Unlock()
	return nil
}

func (self *fakeTransport) AddMessageHandler(match func(stanza *Node) bool, handler MessageFunction) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.messageHandlers = append(self.messageHandlers, &fakeMessageHandler{
		match:   match,
		handler: handler,
	})
	return func() {}
}

// deliver dispatches an inbound stanza to the registered message handlers.
func (self *fakeTransport) deliver(stanza *Node) {
	self.mutex.Lock()
	messageHandlers := append([]*fakeMessageHandler{}, self.messageHandlers...)
	self.mutex.Unlock()
	for _, messageHandler := range messageHandlers {
		if messageHandler.match(stanza) {
			messageHandler.handler(stanza)
		}
	}
}

func (self *fakeTransport) Disconnect() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.disconnects += 1
}

func (self *fakeTransport) Reset() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.resets += 1
	self.messageHandlers = []*fakeMessageHandler{}
}

func (self *fakeTransport) counts() (int, int, int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.connects, self.disconnects, self.resets
}

// invalidatedCounter counts Invalidated broadcasts across all channels, safe
// for delivery from the reconnect goroutine.
type invalidatedCounter struct {
	mutex sync.Mutex
	count int
}

func (self *invalidatedCounter) observe(event *Event) {
	if event.Type != EventTypeInvalidated {
		return
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.count += 1
}

func (self *invalidatedCounter) get() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.count
}

func countInvalidated(model *Model) *invalidatedCounter {
	counter := &invalidatedCounter{}
	model.AddUserEventCallback(counter.observe)
	model.AddQueueEventCallback(counter.observe)
	model.AddCallEventCallback(counter.observe)
	return counter
}

func testConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		PingInterval:     time.Hour,
		PingTimeout:      time.Second,
		ReconnectTimeout: time.Millisecond,
		RequestTimeout:   time.Second,
	}
}

func TestConnectSynchronizes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newFakeTransport()
	connection := NewConnection(ctx, "example.com", transport, testConnectionSettings())
	defer connection.Close()

	model := connection.Model()
	counter := countInvalidated(model)

	err := connection.Connect(ctx, &Credentials{
		Jid:      "alice@uc.example.com",
		Password: "secret",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, connection.State(), ConnectionStateSteadyState)

	assert.Equal(t, model.Company().Id, "42")
	assert.Equal(t, len(model.Users()), 1)
	assert.Equal(t, len(model.Queues()), 1)
	assert.Equal(t, len(model.Calls()), 0)
	assert.Equal(t, model.Queue("q1").IsUserInQueue("u1"), true)

	// one Invalidated per channel after the initial synchronization
	assert.Equal(t, counter.get(), 3)

	// the REST helper is authenticated as the connected user
	assert.NotEqual(t, connection.Rest, nil)

	// the subscription targets the company node as the bare jid
	var subscribe *Node
	transport.mutex.Lock()
	for _, request := range transport.requests {
		if pubsub := request.First("pubsub"); pubsub != nil {
			subscribe = pubsub.First("subscribe")
		}
	}
	transport.mutex.Unlock()
	assert.NotEqual(t, subscribe, nil)
	assert.Equal(t, subscribe.Attr("node"), "42")
	assert.Equal(t, subscribe.Attr("jid"), "alice@uc.example.com")
}

func TestConnectDeliversNotifications(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newFakeTransport()
	connection := NewConnection(ctx, "example.com", transport, testConnectionSettings())
	defer connection.Close()

	err := connection.Connect(ctx, &Credentials{Jid: "alice@uc.example.com", Password: "secret"})
	assert.Equal(t, err, nil)

	model := connection.Model()
	assert.Equal(t, model.User("u1").LoggedIn, true)

	message, err := ParseStanza([]byte(`
		<message from="pubsub.uc.example.com">
			<event xmlns="http://jabber.org/protocol/pubsub#event">
				<items node="42">
					<item>
						<notification type="notification.user.update">
							<userId>u1</userId>
							<propertyChange>
								<name>loggedIn</name>
								<oldValue>true</oldValue>
								<newValue>false</newValue>
							</propertyChange>
						</notification>
					</item>
				</items>
			</event>
		</message>
	`))
	assert.Equal(t, err, nil)
	transport.deliver(message)

	assert.Equal(t, model.User("u1").LoggedIn, false)
}

func TestConnectSubscribeFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newFakeTransport()
	transport.failSubscribe = true
	connection := NewConnection(ctx, "example.com", transport, testConnectionSettings())
	defer connection.Close()

	err := connection.Connect(ctx, &Credentials{Jid: "alice@uc.example.com", Password: "secret"})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, connection.State(), ConnectionStateDisconnected)

	// a failed first connect tears the transport down and does not retry
	connects, disconnects, resets := transport.counts()
	assert.Equal(t, connects, 1)
	assert.Equal(t, disconnects, 1)
	assert.Equal(t, resets, 1)
}

func TestFirstConnectLinkDropDoesNotRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newFakeTransport()
	transport.dropOnCallsLoad = true
	connection := NewConnection(ctx, "example.com", transport, testConnectionSettings())
	defer connection.Close()

	counter := countInvalidated(connection.Model())

	err := connection.Connect(ctx, &Credentials{Jid: "alice@uc.example.com", Password: "secret"})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, connection.State(), ConnectionStateDisconnected)

	// a link drop before the first synchronization completes surfaces to the
	// caller only. With the short reconnect spacing of the test settings a
	// stray background loop would dial again almost immediately.
	time.Sleep(200 * time.Millisecond)
	connects, disconnects, resets := transport.counts()
	assert.Equal(t, connects, 1)
	assert.Equal(t, 1 <= disconnects, true)
	assert.Equal(t, 1 <= resets, true)
	assert.Equal(t, counter.get(), 0)
}

func TestReconnectAfterHeartbeatTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newFakeTransport()
	transport.failPings = 1
	settings := testConnectionSettings()
	settings.PingInterval = 20 * time.Millisecond

	connection := NewConnection(ctx, "example.com", transport, settings)
	defer connection.Close()

	model := connection.Model()
	counter := countInvalidated(model)

	err := connection.Connect(ctx, &Credentials{Jid: "alice@uc.example.com", Password: "secret"})
	assert.Equal(t, err, nil)
	assert.Equal(t, counter.get(), 3)

	// the first ping fails, forcing a teardown and a resynchronized session
	deadline := time.Now().Add(5 * time.Second)
	for counter.get() < 6 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	// exactly one more Invalidated per channel after the reconnect
	assert.Equal(t, counter.get(), 6)
	assert.Equal(t, connection.State(), ConnectionStateSteadyState)

	connects, disconnects, resets := transport.counts()
	assert.Equal(t, connects, 2)
	assert.Equal(t, 1 <= disconnects, true)
	assert.Equal(t, 1 <= resets, true)
}
