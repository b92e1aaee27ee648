package compass

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

// TransportStatus reports the transport-level connection phases to the
// supervisor.
type TransportStatus int

const (
	TransportStatusConnecting TransportStatus = iota
	TransportStatusAuthenticating
	TransportStatusConnected
	TransportStatusConnFail
	TransportStatusAuthFail
	TransportStatusDisconnected
)

func (self TransportStatus) String() string {
	switch self {
	case TransportStatusConnecting:
		return "Connecting..."
	case TransportStatusAuthenticating:
		return "Authenticating..."
	case TransportStatusConnected:
		return "Connected"
	case TransportStatusConnFail:
		return "Connection failed"
	case TransportStatusAuthFail:
		return "Authentication failed"
	case TransportStatusDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

type TransportStatusFunction = func(status TransportStatus, message string)
type MessageFunction = func(stanza *Node)

// Transport is the wire-level collaborator of the connection supervisor.
// One Connect attempt per call; the supervisor owns reconnects. A request
// rejection or timeout is treated like a transport failure by the caller.
type Transport interface {
	// Connect establishes and authenticates the link. It returns once the
	// link is usable, reporting phase transitions through `status`.
	Connect(ctx context.Context, credentials *Credentials, resource string, status TransportStatusFunction) error
	// SendRequest writes a request stanza and resolves with the reply.
	SendRequest(ctx context.Context, stanza *Node) (*Node, error)
	// Send writes a stanza without waiting for a reply.
	Send(stanza *Node) error
	// AddMessageHandler registers a callback for inbound message stanzas
	// accepted by `match`. The returned function removes the handler.
	AddMessageHandler(match func(stanza *Node) bool, handler MessageFunction) func()
	// Disconnect tears the link down.
	Disconnect()
	// Reset discards all pending requests and handlers from the previous
	// attempt so stale callbacks cannot fire into a newer one.
	Reset()
}

type PlatformTransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	RequestTimeout     time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingTimeout        time.Duration
}

func DefaultPlatformTransportSettings() *PlatformTransportSettings {
	return &PlatformTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		RequestTimeout:     10 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		PingTimeout:        15 * time.Second,
	}
}

type messageHandler struct {
	match   func(stanza *Node) bool
	handler MessageFunction
}

// PlatformTransport is the websocket stanza transport to the platform.
//
// Stanzas are framed one per websocket text message. Requests carry a
// generated id attribute; the reply with the matching id resolves the
// request. Everything else that arrives is fanned out to the registered
// message handlers.
type PlatformTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	platformUrl string
	settings    *PlatformTransportSettings

	stateLock sync.Mutex
	ws        *websocket.Conn
	writeLock sync.Mutex

	requestLock     sync.Mutex
	pendingRequests map[string]chan *Node

	messageHandlers *CallbackList[*messageHandler]
}

func NewPlatformTransportWithDefaults(ctx context.Context, platformUrl string) *PlatformTransport {
	return NewPlatformTransport(ctx, platformUrl, DefaultPlatformTransportSettings())
}

func NewPlatformTransport(ctx context.Context, platformUrl string, settings *PlatformTransportSettings) *PlatformTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &PlatformTransport{
		ctx:             cancelCtx,
		cancel:          cancel,
		platformUrl:     platformUrl,
		settings:        settings,
		pendingRequests: map[string]chan *Node{},
		messageHandlers: NewCallbackList[*messageHandler](),
	}
}

func (self *PlatformTransport) Connect(ctx context.Context, credentials *Credentials, resource string, status TransportStatusFunction) error {
	if status == nil {
		status = func(TransportStatus, string) {}
	}

	jid, err := credentials.BareJid()
	if err != nil {
		return err
	}

	status(TransportStatusConnecting, TransportStatusConnecting.String())

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, self.platformUrl, nil)
	if err != nil {
		status(TransportStatusConnFail, err.Error())
		return err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	status(TransportStatusAuthenticating, TransportStatusAuthenticating.String())

	authStanza := NewNode("auth").
		SetAttr("jid", jid).
		SetAttr("resource", resource)
	if credentials.Token != "" {
		authStanza.AddText("token", credentials.Token)
	} else {
		authStanza.AddText("password", credentials.Password)
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, authStanza.Marshal()); err != nil {
		status(TransportStatusConnFail, err.Error())
		return err
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, message, err := ws.ReadMessage()
	if err != nil {
		status(TransportStatusConnFail, err.Error())
		return err
	}
	reply, err := ParseStanza(message)
	if err != nil {
		status(TransportStatusConnFail, err.Error())
		return err
	}
	if reply.Name != "success" {
		err := fmt.Errorf("auth failed: %s", reply.Name)
		status(TransportStatusAuthFail, err.Error())
		return err
	}

	success = true

	self.stateLock.Lock()
	self.ws = ws
	self.stateLock.Unlock()

	status(TransportStatusConnected, TransportStatusConnected.String())

	go self.readLoop(ws, status)
	go self.pingLoop(ws)
	return nil
}

func (self *PlatformTransport) readLoop(ws *websocket.Conn, status TransportStatusFunction) {
	defer func() {
		ws.Close()
		self.rejectPendingRequests()
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[t]<- error = %s\n", err)
			status(TransportStatusDisconnected, err.Error())
			return
		}
		if messageType != websocket.TextMessage {
			glog.V(2).Infof("[t]other=%d<-\n", messageType)
			continue
		}

		stanza, err := ParseStanza(message)
		if err != nil {
			glog.Infof("[t]<- parse error = %s\n", err)
			continue
		}
		glog.V(2).Infof("[t]<- %s\n", stanza.Name)
		self.dispatch(stanza)
	}
}

// pingLoop keeps the websocket alive. Liveness of the platform itself is the
// supervisor's heartbeat, not this.
func (self *PlatformTransport) pingLoop(ws *websocket.Conn) {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PingTimeout):
			deadline := time.Now().Add(self.settings.WriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
			glog.V(2).Infof("[t]ping->\n")
		}
	}
}

func (self *PlatformTransport) dispatch(stanza *Node) {
	// a reply resolves its pending request
	if requestId := stanza.Attr("id"); requestId != "" {
		self.requestLock.Lock()
		pending, ok := self.pendingRequests[requestId]
		if ok {
			delete(self.pendingRequests, requestId)
		}
		self.requestLock.Unlock()
		if ok {
			pending <- stanza
			return
		}
	}

	for _, handler := range self.messageHandlers.Get() {
		if handler.match(stanza) {
			handler.handler(stanza)
		}
	}
}

func (self *PlatformTransport) SendRequest(ctx context.Context, stanza *Node) (*Node, error) {
	requestId := ulid.Make().String()
	stanza.SetAttr("id", requestId)

	pending := make(chan *Node, 1)
	self.requestLock.Lock()
	self.pendingRequests[requestId] = pending
	self.requestLock.Unlock()

	removePending := func() {
		self.requestLock.Lock()
		delete(self.pendingRequests, requestId)
		self.requestLock.Unlock()
	}

	if err := self.Send(stanza); err != nil {
		removePending()
		return nil, err
	}

	select {
	case <-ctx.Done():
		removePending()
		return nil, ctx.Err()
	case <-self.ctx.Done():
		removePending()
		return nil, self.ctx.Err()
	case <-self.requestTimeoutAfter(ctx):
		removePending()
		return nil, fmt.Errorf("request %s timeout", requestId)
	case reply := <-pending:
		if reply == nil {
			return nil, fmt.Errorf("request %s: connection lost", requestId)
		}
		if reply.Attr("type") == "error" {
			return nil, fmt.Errorf("request %s: error reply: %s", requestId, reply.String())
		}
		return reply, nil
	}
}

// requestTimeoutAfter returns the fallback timeout channel for a request.
// A context that carries its own deadline owns the timeout; the internal
// timer only covers callers that pass an unbounded context.
func (self *PlatformTransport) requestTimeoutAfter(ctx context.Context) <-chan time.Time {
	if _, ok := ctx.Deadline(); ok {
		return nil
	}
	return time.After(self.settings.RequestTimeout)
}

func (self *PlatformTransport) Send(stanza *Node) error {
	self.stateLock.Lock()
	ws := self.ws
	self.stateLock.Unlock()
	if ws == nil {
		return fmt.Errorf("not connected")
	}

	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, stanza.Marshal()); err != nil {
		glog.Infof("[t]-> error = %s\n", err)
		return err
	}
	glog.V(2).Infof("[t]-> %s\n", stanza.Name)
	return nil
}

func (self *PlatformTransport) AddMessageHandler(match func(stanza *Node) bool, handler MessageFunction) func() {
	callbackId := self.messageHandlers.Add(&messageHandler{
		match:   match,
		handler: handler,
	})
	return func() {
		self.messageHandlers.Remove(callbackId)
	}
}

func (self *PlatformTransport) Disconnect() {
	self.stateLock.Lock()
	ws := self.ws
	self.ws = nil
	self.stateLock.Unlock()
	if ws != nil {
		ws.Close()
	}
}

func (self *PlatformTransport) Reset() {
	self.rejectPendingRequests()
	// handlers are re-registered by the next attempt. The list instance is
	// kept stable; dispatch and AddMessageHandler read the field from other
	// goroutines.
	self.messageHandlers.Clear()
}

func (self *PlatformTransport) rejectPendingRequests() {
	self.requestLock.Lock()
	pending := self.pendingRequests
	self.pendingRequests = map[string]chan *Node{}
	self.requestLock.Unlock()
	for _, c := range pending {
		close(c)
	}
}

func (self *PlatformTransport) Close() {
	self.Disconnect()
	self.cancel()
}
