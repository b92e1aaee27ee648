package compass

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

// CallState is the deprecated aggregate state of a call.
//
// A single state per call is an oversimplified view. Use the State of the
// source and destination callpoints instead.
type CallState string

const (
	CallStateConnecting   CallState = "CONNECTING"
	CallStateRinging      CallState = "RINGING"
	CallStateAnswered     CallState = "ANSWERED"
	CallStateOnHold       CallState = "ON_HOLD"
	CallStateDisconnected CallState = "DISCONNECTED"
)

// CallPointState is the state of one side of a call.
type CallPointState string

const (
	CallPointStateConnecting   CallPointState = "CONNECTING"
	CallPointStateRinging      CallPointState = "RINGING"
	CallPointStateAnswered     CallPointState = "ANSWERED"
	CallPointStateInactive     CallPointState = "INACTIVE"
	CallPointStateDisconnected CallPointState = "DISCONNECTED"
)

// CallEndReason is the reason a call ended.
type CallEndReason string

const (
	CallEndReasonSourceHangup      CallEndReason = "SOURCE_HANGUP"
	CallEndReasonDestinationHangup CallEndReason = "DESTINATION_HANGUP"
	CallEndReasonDestinationBusy   CallEndReason = "DESTINATION_BUSY"
	// not in the schema. Used when the platform does not report a reason.
	CallEndReasonUnknown CallEndReason = "unknown"
)

// Side identifies one side of a call.
//
// Note that especially in more complicated call scenarios, source is not
// always the initiator and destination is not always the receiver. A call
// transfer can swap either side with another callpoint.
type Side string

const (
	SideSource      Side = "SOURCE"
	SideDestination Side = "DESTINATION"
)

func OtherSide(side Side) Side {
	if side == SideSource {
		return SideDestination
	}
	return SideSource
}

// CallPointType discriminates the callpoint variants. Values the client does
// not recognize are preserved verbatim so that newer platform versions
// degrade gracefully instead of failing to decode.
type CallPointType string

const (
	CallPointTypeUnknown  CallPointType = "Unknown"
	CallPointTypeUser     CallPointType = "User"
	CallPointTypeDialplan CallPointType = "Dialplan"
	CallPointTypeExternal CallPointType = "External"
	CallPointTypeQueue    CallPointType = "Queue"
	CallPointTypeResource CallPointType = "Resource"
	CallPointTypeListenIn CallPointType = "ListenIn"
)

// CallPoint is one side (source or destination) of a call.
//
// A callpoint is never mutated in place. Any state or identity change
// replaces the whole callpoint on the call, so two callpoints can be compared
// field for field to distinguish "endpoint replaced" from "state changed".
// Only the fields of the active Type variant are set.
type CallPoint struct {
	Id    string
	Type  CallPointType
	State CallPointState
	// unix timestamp (seconds)
	TimeCreated int64
	// unix timestamp (seconds), 0 until the callpoint is picked up
	TimeStarted int64

	// Type == CallPointTypeUser
	UserId string

	// Type == CallPointTypeQueue
	QueueId   string
	QueueName string

	// Type == CallPointTypeExternal: caller id number and name
	Number string
	Name   string

	// Type == CallPointTypeDialplan
	Exten       string
	Description string

	// Type == CallPointTypeResource
	ResourceType string

	// Type == CallPointTypeListenIn: the call being listened to
	ListenedToCallId string
}

// User resolves the user of a user-callpoint. Returns nil for other variants
// or when the user is not in the model.
func (self *CallPoint) User(model *Model) *User {
	if self == nil || self.Type != CallPointTypeUser {
		return nil
	}
	return model.User(self.UserId)
}

// Queue resolves the queue of a queue-callpoint. Returns nil for other
// variants or when the queue is not in the model.
func (self *CallPoint) Queue(model *Model) *Queue {
	if self == nil || self.Type != CallPointTypeQueue {
		return nil
	}
	return model.Queue(self.QueueId)
}

// Duration is the time since the call reached this callpoint.
func (self *CallPoint) Duration() time.Duration {
	return durationFrom(self.TimeCreated)
}

// AnsweredDuration is the time since this callpoint was answered, or 0 when
// it has not been answered yet.
func (self *CallPoint) AnsweredDuration() time.Duration {
	return durationFrom(self.TimeStarted)
}

func (self *CallPoint) String() string {
	return fmt.Sprintf("CallPoint[%s](%s)", self.Type, self.Id)
}

func durationFrom(startSec int64) time.Duration {
	if startSec == 0 {
		return 0
	}
	return time.Since(time.Unix(startSec, 0))
}

// Company is the tenant the session belongs to.
type Company struct {
	Id   string
	Name string
}

func (self *Company) String() string {
	return fmt.Sprintf("Company(%s)", self.Id)
}

// Call is a call in progress.
type Call struct {
	Id string
	// deprecated aggregate state, kept for compatibility
	State       CallState
	Source      *CallPoint
	Destination *CallPoint
	// set when this call is a dial attempt spawned by a queue call
	ParentCall *Call

	model *Model
}

func (self *Call) Endpoint(side Side) *CallPoint {
	if side == SideSource {
		return self.Source
	}
	return self.Destination
}

func (self *Call) String() string {
	return fmt.Sprintf("Call(%s)", self.Id)
}

// User is a user of the company.
type User struct {
	Id       string
	Name     string
	LoggedIn bool
	// extensions associated with the user
	Extensions []string
	// the messaging address of the user
	Jid string
	// the username for ancillary services (web interface, REST api)
	Username string
	// the phone the user is logged on to, nil when not logged on to a phone
	PhoneId  *int
	Language string
	// the email address of the user
	Contact string

	model *Model
}

// Queues returns the queues that the user is logged on to.
func (self *User) Queues() []*Queue {
	queues := []*Queue{}
	for _, queue := range self.model.Queues() {
		if queue.IsUserInQueue(self.Id) {
			queues = append(queues, queue)
		}
	}
	return queues
}

// PausedQueues returns the queues the user is logged on to but paused in.
// A paused user does not receive calls from that queue.
func (self *User) PausedQueues() []*Queue {
	queues := []*Queue{}
	for _, queue := range self.model.Queues() {
		if queue.IsUserPausedInQueue(self.Id) {
			queues = append(queues, queue)
		}
	}
	return queues
}

// Calls returns the calls that the user is a side of.
func (self *User) Calls() []*Call {
	isUser := func(callPoint *CallPoint) bool {
		return callPoint != nil && callPoint.Type == CallPointTypeUser && callPoint.UserId == self.Id
	}
	calls := []*Call{}
	for _, call := range self.model.Calls() {
		if isUser(call.Source) || isUser(call.Destination) {
			calls = append(calls, call)
		}
	}
	return calls
}

func (self *User) String() string {
	return fmt.Sprintf("User(%s)", self.Id)
}

// QueueMember is the relation of a user being logged on to a queue.
type QueueMember struct {
	UserId  string
	QueueId string
	// numerical priority of the user in the queue
	Priority int
	// unix timestamp (milliseconds) since the user is paused, 0 for not paused
	PausedSince int64

	model *Model
}

func NewQueueMember(userId string, queueId string, priority string, pausedSince string, model *Model) *QueueMember {
	member := &QueueMember{
		UserId:  userId,
		QueueId: queueId,
		model:   model,
	}
	member.SetPriority(priority)
	member.SetPausedSince(pausedSince)
	return member
}

// SetPriority parses and applies a priority value. Unparseable input leaves
// the current priority unchanged.
func (self *QueueMember) SetPriority(priority string) {
	if parsed, err := strconv.Atoi(priority); err == nil {
		self.Priority = parsed
	}
}

// SetPausedSince parses and applies a paused-since timestamp. Unparseable
// input means not paused.
func (self *QueueMember) SetPausedSince(pausedSince string) {
	if parsed, err := strconv.ParseInt(pausedSince, 10, 64); err == nil {
		self.PausedSince = parsed
	} else {
		self.PausedSince = 0
	}
}

func (self *QueueMember) IsPaused() bool {
	return 0 < self.PausedSince
}

func (self *QueueMember) User() *User {
	return self.model.User(self.UserId)
}

func (self *QueueMember) Queue() *Queue {
	return self.model.Queue(self.QueueId)
}

// Queue is a call-queue of the company.
type Queue struct {
	Id      string
	Name    string
	Members []*QueueMember

	model *Model
}

// Users returns the users that are logged on to this queue. Members whose
// user is not in the model are skipped.
func (self *Queue) Users() []*User {
	users := []*User{}
	for _, member := range self.Members {
		if user := member.User(); user != nil {
			users = append(users, user)
		}
	}
	return users
}

// PausedUsers returns the users that are logged on to this queue and paused.
func (self *Queue) PausedUsers() []*User {
	users := []*User{}
	for _, member := range self.Members {
		if user := member.User(); user != nil && member.IsPaused() {
			users = append(users, user)
		}
	}
	return users
}

func (self *Queue) IsUserInQueue(userId string) bool {
	return self.Member(userId) != nil
}

func (self *Queue) IsUserPausedInQueue(userId string) bool {
	member := self.Member(userId)
	return member != nil && member.IsPaused()
}

// Member returns the membership of the given user, or nil.
func (self *Queue) Member(userId string) *QueueMember {
	for _, member := range self.Members {
		if member.UserId == userId {
			return member
		}
	}
	return nil
}

// Calls returns the calls that have this queue as a side.
func (self *Queue) Calls() []*Call {
	isQueue := func(callPoint *CallPoint) bool {
		return callPoint != nil && callPoint.Type == CallPointTypeQueue && callPoint.QueueId == self.Id
	}
	calls := []*Call{}
	for _, call := range self.model.Calls() {
		if isQueue(call.Source) || isQueue(call.Destination) {
			calls = append(calls, call)
		}
	}
	return calls
}

func (self *Queue) String() string {
	return fmt.Sprintf("Queue(%s)", self.Id)
}

type EventFunction = func(event *Event)

// Model is the in-memory snapshot of one company: its users, queues and
// in-progress calls, with one multicast event channel per entity kind.
//
// All mutation and event emission happens on the single sequential path
// driven by the connection's receive loop. The internal lock only makes the
// collections safe to read from other goroutines; it is never held while
// event callbacks run.
type Model struct {
	stateLock sync.Mutex

	company *Company
	users   map[string]*User
	queues  map[string]*Queue
	calls   map[string]*Call

	userEventCallbacks  *CallbackList[EventFunction]
	queueEventCallbacks *CallbackList[EventFunction]
	callEventCallbacks  *CallbackList[EventFunction]
}

func NewModel() *Model {
	return &Model{
		users:               map[string]*User{},
		queues:              map[string]*Queue{},
		calls:               map[string]*Call{},
		userEventCallbacks:  NewCallbackList[EventFunction](),
		queueEventCallbacks: NewCallbackList[EventFunction](),
		callEventCallbacks:  NewCallbackList[EventFunction](),
	}
}

// AddUserEventCallback subscribes to user events. The returned function
// removes the subscription.
func (self *Model) AddUserEventCallback(callback EventFunction) func() {
	callbackId := self.userEventCallbacks.Add(callback)
	return func() {
		self.userEventCallbacks.Remove(callbackId)
	}
}

// AddQueueEventCallback subscribes to queue events. The returned function
// removes the subscription.
func (self *Model) AddQueueEventCallback(callback EventFunction) func() {
	callbackId := self.queueEventCallbacks.Add(callback)
	return func() {
		self.queueEventCallbacks.Remove(callbackId)
	}
}

// AddCallEventCallback subscribes to call events. The returned function
// removes the subscription.
func (self *Model) AddCallEventCallback(callback EventFunction) func() {
	callbackId := self.callEventCallbacks.Add(callback)
	return func() {
		self.callEventCallbacks.Remove(callbackId)
	}
}

func (self *Model) Company() *Company {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.company
}

func (self *Model) User(userId string) *User {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.users[userId]
}

func (self *Model) Queue(queueId string) *Queue {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.queues[queueId]
}

func (self *Model) Call(callId string) *Call {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.calls[callId]
}

func (self *Model) Users() []*User {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Values(self.users)
}

func (self *Model) Queues() []*Queue {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Values(self.queues)
}

func (self *Model) Calls() []*Call {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Values(self.calls)
}

// UserForJid returns the user with the given messaging address, or nil.
func (self *Model) UserForJid(jid string) *User {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, user := range self.users {
		if user.Jid == jid {
			return user
		}
	}
	return nil
}

// Notify routes the event to the channel matching the emitter's kind.
// A nil or unknown emitter is a programming error, never expected input.
func (self *Model) Notify(event *Event) {
	switch event.Emitter.(type) {
	case *User:
		for _, callback := range self.userEventCallbacks.Get() {
			callback(event)
		}
	case *Queue:
		for _, callback := range self.queueEventCallbacks.Get() {
			callback(event)
		}
	case *Call:
		for _, callback := range self.callEventCallbacks.Get() {
			callback(event)
		}
	default:
		panic(fmt.Sprintf("invalid emitter: %v", event.Emitter))
	}
}

// NotifyConnected broadcasts one Invalidated event (nil emitter) on each of
// the three channels. Called after a connect or reconnect, once the model has
// been re-seeded from a fresh snapshot.
func (self *Model) NotifyConnected() {
	invalidated := NewEvent(nil, EventTypeInvalidated)
	for _, callback := range self.userEventCallbacks.Get() {
		callback(invalidated)
	}
	for _, callback := range self.queueEventCallbacks.Get() {
		callback(invalidated)
	}
	for _, callback := range self.callEventCallbacks.Get() {
		callback(invalidated)
	}
}

func (self *Model) setCompany(company *Company) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.company = company
}

func (self *Model) putUser(user *User) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.users[user.Id] = user
}

func (self *Model) deleteUser(userId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.users, userId)
}

func (self *Model) putQueue(queue *Queue) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.queues[queue.Id] = queue
}

func (self *Model) deleteQueue(queueId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.queues, queueId)
}

func (self *Model) putCall(call *Call) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.calls[call.Id] = call
}

func (self *Model) deleteCall(callId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.calls, callId)
}

func (self *Model) resetUsers() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.users = map[string]*User{}
}

func (self *Model) resetQueues() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.queues = map[string]*Queue{}
}

func (self *Model) resetCalls() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.calls = map[string]*Call{}
}
