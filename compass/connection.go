package compass

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
)

// ConnectionState is the supervisor's lifecycle state.
type ConnectionState string

const (
	ConnectionStateDisconnected     ConnectionState = "Disconnected"
	ConnectionStateConnecting       ConnectionState = "Connecting"
	ConnectionStateAuthenticating   ConnectionState = "Authenticating"
	ConnectionStateConnected        ConnectionState = "Connected"
	ConnectionStateSubscribing      ConnectionState = "Subscribing"
	ConnectionStateSynchronizing    ConnectionState = "Synchronizing"
	ConnectionStateSteadyState      ConnectionState = "SteadyState"
	ConnectionStateReconnectPending ConnectionState = "ReconnectPending"
)

type ConnectionStatusFunction = func(state ConnectionState, message string)

type ConnectionSettings struct {
	// liveness probe spacing and reply timeout
	PingInterval time.Duration
	PingTimeout  time.Duration
	// minimum spacing between reconnect attempts
	ReconnectTimeout time.Duration
	// per-request timeout for the snapshot and subscribe requests
	RequestTimeout time.Duration
}

func DefaultConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		PingInterval:     30 * time.Second,
		PingTimeout:      5 * time.Second,
		ReconnectTimeout: 5 * time.Second,
		RequestTimeout:   30 * time.Second,
	}
}

// Connection is the entry point of the library: it owns the session
// lifecycle (connect, snapshot fetch, subscribe, heartbeat, reconnect) and
// the model it keeps synchronized.
//
// After the first successful Connect, link failures are handled internally:
// the supervisor disconnects, resets the transport and reconnects with the
// same credentials. Subscribers only observe the Invalidated broadcast that
// follows a successful resynchronization.
type Connection struct {
	ctx    context.Context
	cancel context.CancelFunc

	basedom   string
	transport Transport
	settings  *ConnectionSettings

	model   *Model
	handler *Handler

	// optional callback reporting lifecycle phases with a human-readable
	// description. Set before calling Connect.
	StatusCallback ConnectionStatusFunction

	// REST helper for auxiliary actions. Available once Connect returns,
	// when the credentials carry a password.
	Rest *RestApi

	stateLock   sync.Mutex
	state       ConnectionState
	credentials *Credentials
	// current attempt token. Callbacks from an abandoned attempt compare
	// against this and are ignored.
	attemptId string
}

func NewConnectionWithDefaults(ctx context.Context, basedom string) *Connection {
	transport := NewPlatformTransportWithDefaults(ctx, fmt.Sprintf("wss://uc.%s/ws", basedom))
	return NewConnection(ctx, basedom, transport, DefaultConnectionSettings())
}

func NewConnection(ctx context.Context, basedom string, transport Transport, settings *ConnectionSettings) *Connection {
	cancelCtx, cancel := context.WithCancel(ctx)
	model := NewModel()
	return &Connection{
		ctx:       cancelCtx,
		cancel:    cancel,
		basedom:   basedom,
		transport: transport,
		settings:  settings,
		model:     model,
		handler:   NewHandler(model),
		state:     ConnectionStateDisconnected,
	}
}

// Model returns the synchronized model. Do not read it before Connect
// returns.
func (self *Connection) Model() *Model {
	return self.model
}

func (self *Connection) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// Connect connects, fetches the snapshot and subscribes to change
// notifications. It returns once the model is fully loaded, not merely once
// the transport handshake succeeded. On success the supervisor keeps the
// session alive until Close.
func (self *Connection) Connect(ctx context.Context, credentials *Credentials) error {
	self.stateLock.Lock()
	self.credentials = credentials
	self.stateLock.Unlock()

	attemptId, err := self.connectOnce(ctx, credentials)
	if err != nil {
		return err
	}
	// the model was just re-seeded
	self.model.NotifyConnected()
	go self.heartbeat(attemptId)
	return nil
}

// Close tears the session down permanently.
func (self *Connection) Close() {
	self.cancel()
	self.transport.Disconnect()
}

func (self *Connection) connectOnce(ctx context.Context, credentials *Credentials) (string, error) {
	attemptId := ulid.Make().String()
	self.stateLock.Lock()
	self.attemptId = attemptId
	self.stateLock.Unlock()

	jid, err := credentials.BareJid()
	if err != nil {
		return "", err
	}
	resource := fmt.Sprintf("compass-go_%s", randomString(10))

	self.setState(ConnectionStateConnecting, "Connecting...")

	// recovery is armed only once this attempt has fully synchronized. A
	// link drop during connect/synchronize makes the in-flight request fail
	// and surfaces through the error path instead; racing a background
	// reconnect against that error would leave a retry loop running after
	// Connect already reported failure.
	synchronized := &atomic.Bool{}

	transportStatus := func(status TransportStatus, message string) {
		switch status {
		case TransportStatusConnecting:
			self.setStateForAttempt(attemptId, ConnectionStateConnecting, message)
		case TransportStatusAuthenticating:
			self.setStateForAttempt(attemptId, ConnectionStateAuthenticating, message)
		case TransportStatusConnected:
			self.setStateForAttempt(attemptId, ConnectionStateConnected, message)
		case TransportStatusDisconnected:
			// link dropped. In steady state this triggers the same
			// recovery as a missed heartbeat.
			self.setStateForAttempt(attemptId, ConnectionStateDisconnected, message)
			if synchronized.Load() {
				go self.recover(attemptId)
			}
		}
	}

	// a failed attempt is abandoned: clear the token so late transport
	// callbacks for it cannot trigger recovery
	abandon := func() {
		self.stateLock.Lock()
		if self.attemptId == attemptId {
			self.attemptId = ""
		}
		self.stateLock.Unlock()
	}

	if err := self.transport.Connect(ctx, credentials, resource, transportStatus); err != nil {
		abandon()
		self.setState(ConnectionStateDisconnected, err.Error())
		return "", err
	}

	if err := self.synchronize(ctx, jid, credentials); err != nil {
		abandon()
		self.transport.Disconnect()
		self.transport.Reset()
		self.setState(ConnectionStateDisconnected, err.Error())
		return "", err
	}

	synchronized.Store(true)
	self.setState(ConnectionStateSteadyState, "Synchronized")
	return attemptId, nil
}

// synchronize runs the post-connect sequence: invisible presence, company
// discovery, pubsub subscribe, then the users/queues/calls snapshots with
// notifications suppressed.
func (self *Connection) synchronize(ctx context.Context, jid string, credentials *Credentials) error {
	// set invisible before sending any presence, and wait for the privacy
	// list write to be confirmed. Otherwise a peer could briefly observe
	// the account online.
	if err := self.setInvisible(ctx); err != nil {
		return fmt.Errorf("set invisible: %w", err)
	}
	if err := self.sendInitialPresence(); err != nil {
		return err
	}

	companyReply, err := self.SendRequest(ctx, NewNode("iq").
		SetAttr("to", self.phoneService()).
		SetAttr("type", "get").
		Add(NewNode("request").
			SetAttr("xmlns", CompassNamespace).
			SetAttr("type", "GET_COMPANY")))
	if err != nil {
		return fmt.Errorf("user has no company: %w", err)
	}
	if err := self.handler.SetCompanyFromStanza(companyReply.First("result")); err != nil {
		return err
	}

	self.setState(ConnectionStateSubscribing, "Subscribing...")
	if err := self.subscribeToPubsub(ctx, jid); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	glog.Infof("[c]pubsub subscribed\n")

	self.setState(ConnectionStateSynchronizing, "Synchronizing...")

	userElems, err := self.getObjectsOfType(ctx, "user")
	if err != nil {
		return err
	}
	if err := self.handler.SetUsersFromStanza(userElems); err != nil {
		return err
	}

	// the REST helper authenticates with the username of the connected
	// user and the account password
	if user := self.model.UserForJid(jid); user != nil && credentials.Password != "" {
		self.Rest = NewRestApi(self.basedom, user.Username, credentials.Password)
	}

	queueElems, err := self.getObjectsOfType(ctx, "queue")
	if err != nil {
		return err
	}
	if err := self.handler.SetQueuesFromStanza(queueElems); err != nil {
		return err
	}

	callElems, err := self.getObjectsOfType(ctx, "call")
	if err != nil {
		return err
	}
	return self.handler.SetCallsFromStanza(callElems)
}

// SendRequest sends a request stanza and resolves with the reply. Exposed
// for advanced use; most callers only need the model and the REST helper.
func (self *Connection) SendRequest(ctx context.Context, stanza *Node) (*Node, error) {
	requestCtx, cancel := context.WithTimeout(ctx, self.settings.RequestTimeout)
	defer cancel()
	return self.transport.SendRequest(requestCtx, stanza)
}

func (self *Connection) setInvisible(ctx context.Context) error {
	createListIq := NewNode("iq").
		SetAttr("type", "set").
		Add(NewNode("query").
			SetAttr("xmlns", "jabber:iq:privacy").
			Add(NewNode("list").
				SetAttr("name", "invisible").
				Add(NewNode("item").
					SetAttr("action", "deny").
					SetAttr("order", "1").
					Add(NewNode("presence-out")))))
	activateListIq := NewNode("iq").
		SetAttr("type", "set").
		Add(NewNode("query").
			SetAttr("xmlns", "jabber:iq:privacy").
			Add(NewNode("active").
				SetAttr("name", "invisible")))

	if _, err := self.SendRequest(ctx, createListIq); err != nil {
		return err
	}
	_, err := self.SendRequest(ctx, activateListIq)
	return err
}

func (self *Connection) sendInitialPresence() error {
	return self.transport.Send(NewNode("presence").AddText("priority", "1"))
}

// subscribeToPubsub subscribes to the company node where all model changes
// are published, blocking until the platform confirms the subscription.
// The inbound handler is registered before subscribing so no notification
// published during the handshake is lost.
func (self *Connection) subscribeToPubsub(ctx context.Context, jid string) error {
	companyId := self.model.Company().Id
	glog.Infof("[c]subscribing to %s\n", companyId)

	self.transport.AddMessageHandler(
		func(stanza *Node) bool {
			return stanza.Name == "message"
		},
		func(stanza *Node) {
			self.onReceivePubsub(stanza)
		},
	)

	reply, err := self.SendRequest(ctx, NewNode("iq").
		SetAttr("to", self.pubsubService()).
		SetAttr("type", "set").
		Add(NewNode("pubsub").
			SetAttr("xmlns", "http://jabber.org/protocol/pubsub").
			Add(NewNode("subscribe").
				SetAttr("node", companyId).
				SetAttr("jid", jid))))
	if err != nil {
		return err
	}

	subscription := reply.First("pubsub").First("subscription")
	if subscription.Attr("subscription") != "subscribed" {
		return fmt.Errorf("subscription not confirmed: %s", reply.String())
	}
	return nil
}

func (self *Connection) onReceivePubsub(stanza *Node) {
	for _, items := range stanza.All("event") {
		for _, item := range items.First("items").All("item") {
			for _, content := range item.Children {
				if strings.ToLower(content.Name) == "notification" {
					if err := self.handler.HandleNotification(content); err != nil {
						glog.Errorf("[c]notification error = %s\n", err)
					}
				} else {
					glog.Warningf("[c]unknown pubsub item: %s\n", content.Name)
				}
			}
		}
	}
}

func (self *Connection) getObjectsOfType(ctx context.Context, objectType string) ([]*Node, error) {
	reply, err := self.SendRequest(ctx, NewNode("iq").
		SetAttr("to", self.phoneService()).
		SetAttr("type", "get").
		Add(NewNode("request").
			SetAttr("xmlns", CompassNamespace).
			SetAttr("type", "GET").
			Add(NewNode("filter").
				SetAttr("type", objectType))))
	if err != nil {
		return nil, err
	}
	result := reply.First("result")
	if result == nil {
		return nil, fmt.Errorf("get %s: no result element", objectType)
	}
	return result.Children, nil
}

// heartbeat probes the platform every PingInterval. A probe without a reply
// within PingTimeout means the link is dead: tear down and reconnect.
func (self *Connection) heartbeat(attemptId string) {
	glog.V(1).Infof("[c]starting ping every %ds, reconnecting if no response within %ds\n",
		int(self.settings.PingInterval/time.Second), int(self.settings.PingTimeout/time.Second))
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PingInterval):
		}
		if !self.isCurrentAttempt(attemptId) {
			return
		}

		pingCtx, cancel := context.WithTimeout(self.ctx, self.settings.PingTimeout)
		_, err := self.transport.SendRequest(pingCtx, NewNode("iq").
			SetAttr("to", self.phoneService()).
			SetAttr("type", "get").
			Add(NewNode("ping").
				SetAttr("xmlns", PingNamespace)))
		cancel()

		if err != nil {
			glog.Warningf("[c]didn't receive ping in time. Reconnecting...\n")
			self.recover(attemptId)
			return
		}
		glog.V(2).Infof("[c]ping ok\n")
	}
}

// recover tears the session down and reconnects with the same credentials,
// spacing attempts at least ReconnectTimeout apart. A successful reconnect
// re-seeds the model and broadcasts Invalidated. No-op unless attemptId is
// still the current attempt.
func (self *Connection) recover(attemptId string) {
	self.stateLock.Lock()
	if self.attemptId != attemptId {
		self.stateLock.Unlock()
		return
	}
	// invalidate the old attempt so a second failure signal is ignored
	self.attemptId = ""
	credentials := self.credentials
	self.stateLock.Unlock()

	self.transport.Disconnect()
	self.transport.Reset()

	for {
		self.setState(ConnectionStateReconnectPending, "Reconnecting...")
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		nextAttemptId, err := self.connectOnce(self.ctx, credentials)
		if err == nil {
			self.model.NotifyConnected()
			go self.heartbeat(nextAttemptId)
			return
		}
		glog.Infof("[c]reconnect error = %s\n", err)
		self.transport.Reset()

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *Connection) isCurrentAttempt(attemptId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.attemptId == attemptId
}

func (self *Connection) setState(state ConnectionState, message string) {
	self.stateLock.Lock()
	self.state = state
	callback := self.StatusCallback
	self.stateLock.Unlock()

	glog.Infof("[c]status: %s (%s)\n", state, message)
	if callback != nil {
		callback(state, message)
	}
}

func (self *Connection) setStateForAttempt(attemptId string, state ConnectionState, message string) {
	if !self.isCurrentAttempt(attemptId) {
		// stale callback from an abandoned attempt
		return
	}
	self.setState(state, message)
}

func (self *Connection) phoneService() string {
	return fmt.Sprintf("phone.uc.%s", self.basedom)
}

func (self *Connection) pubsubService() string {
	return fmt.Sprintf("pubsub.uc.%s", self.basedom)
}
