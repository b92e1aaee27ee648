package compass

import (
	"fmt"
	"strings"
	"sync"

	"github.com/golang/glog"
)

// call update discriminators on the wire
const (
	callUpdateTypeSource      = "SOURCE"
	callUpdateTypeDestination = "DESTINATION"
	callUpdateTypeState       = "STATE"
	callUpdateTypeBoth        = "BOTH"
)

// Handler applies snapshot payloads and pubsub notifications to the model,
// deriving the ordered event sequence for each incoming notification.
//
// Handling is serialized: the receive loop and the resynchronization path are
// independent event sources that must not interleave a model read with a
// concurrent mutation.
type Handler struct {
	model  *Model
	parser *Parser

	handleLock sync.Mutex
}

func NewHandler(model *Model) *Handler {
	return &Handler{
		model:  model,
		parser: NewParser(model),
	}
}

// SetCompanyFromStanza processes the result of a GET_COMPANY request.
func (self *Handler) SetCompanyFromStanza(elem *Node) error {
	self.handleLock.Lock()
	defer self.handleLock.Unlock()

	parsed, err := self.parser.Parse(elem, ObjectTypeCompany)
	if err != nil {
		return err
	}
	company := parsed.(*Company)
	self.model.setCompany(company)
	glog.Infof("[h]discovered company: %s (%s)\n", company.Name, company.Id)
	return nil
}

// SetUsersFromStanza replaces the user collection with a snapshot.
// No notifications are sent; this is the initial load, not a change.
//
// The pubsub handler is registered before the snapshots are fetched, so a
// notification can arrive mid-load. The snapshot loads take the same lock as
// HandleNotification to keep the two event sources from interleaving.
func (self *Handler) SetUsersFromStanza(userElems []*Node) error {
	self.handleLock.Lock()
	defer self.handleLock.Unlock()

	glog.Infof("[h]received users: %d\n", len(userElems))
	self.model.resetUsers()
	for _, userElem := range userElems {
		parsed, err := self.parser.Parse(userElem, ObjectTypeUser)
		if err != nil {
			return err
		}
		self.AddUser(parsed.(*User), false)
	}
	return nil
}

// SetQueuesFromStanza replaces the queue collection with a snapshot.
func (self *Handler) SetQueuesFromStanza(queueElems []*Node) error {
	self.handleLock.Lock()
	defer self.handleLock.Unlock()

	glog.Infof("[h]received queues: %d\n", len(queueElems))
	self.model.resetQueues()
	for _, queueElem := range queueElems {
		parsed, err := self.parser.Parse(queueElem, ObjectTypeQueue)
		if err != nil {
			return err
		}
		self.AddQueue(parsed.(*Queue), false)
	}
	return nil
}

// SetCallsFromStanza replaces the call collection with a snapshot.
//
// Parent calls are decoded before child calls regardless of batch order,
// because a child call resolves its parent by model lookup.
func (self *Handler) SetCallsFromStanza(callElems []*Node) error {
	self.handleLock.Lock()
	defer self.handleLock.Unlock()

	glog.Infof("[h]received calls: %d\n", len(callElems))
	self.model.resetCalls()

	hasParent := func(elem *Node) bool {
		return elem.First("properties").First("QueueCallForCall") != nil
	}
	addCall := func(elem *Node) error {
		parsed, err := self.parser.Parse(elem, ObjectTypeCall)
		if err != nil {
			return err
		}
		self.AddCall(parsed.(*Call), false)
		return nil
	}

	for _, callElem := range callElems {
		if !hasParent(callElem) {
			if err := addCall(callElem); err != nil {
				return err
			}
		}
	}
	for _, callElem := range callElems {
		if hasParent(callElem) {
			if err := addCall(callElem); err != nil {
				return err
			}
		}
	}
	return nil
}

// HandleNotification processes one pubsub notification. The returned error
// reports a decode-contract violation for that notification only; the model
// stays in its last consistent state.
func (self *Handler) HandleNotification(not *Node) error {
	self.handleLock.Lock()
	defer self.handleLock.Unlock()

	notificationType := not.Attr("type")
	glog.V(1).Infof("[h]notification %s\n", notificationType)
	switch notificationTypeUpToLevel(notificationType, 1) {
	case "notification.call":
		return self.handleCallNotification(not)
	case "notification.queueMember":
		return self.handleQueueMemberNotification(not)
	case "notification.queue":
		return self.handleQueueNotification(not)
	case "notification.user":
		return self.handleUserNotification(not)
	default:
		glog.Warningf("[h]don't know how to handle notification type %s\n", notificationType)
		return nil
	}
}

/*
 * Mutable model
 *
 * Utility functions for modifying the model. Each takes a sendNotification
 * flag so snapshot loads can suppress events.
 */

// AddUser adds a user to the model.
func (self *Handler) AddUser(user *User, sendNotification bool) {
	self.model.putUser(user)
	if sendNotification {
		self.model.Notify(NewEvent(user, EventTypeAdded))
	}
}

// RemoveUser removes a user from the model.
func (self *Handler) RemoveUser(userId string, sendNotification bool) {
	user := self.model.User(userId)
	if user == nil {
		return
	}
	self.model.deleteUser(userId)
	if sendNotification {
		self.model.Notify(NewEvent(user, EventTypeRemoved))
	}
}

// AddQueue adds a queue to the model.
func (self *Handler) AddQueue(queue *Queue, sendNotification bool) {
	self.model.putQueue(queue)
	if sendNotification {
		self.model.Notify(NewEvent(queue, EventTypeAdded))
	}
}

// RemoveQueue removes a queue from the model.
func (self *Handler) RemoveQueue(queueId string, sendNotification bool) {
	queue := self.model.Queue(queueId)
	if queue == nil {
		return
	}
	self.model.deleteQueue(queueId)
	if sendNotification {
		self.model.Notify(NewEvent(queue, EventTypeRemoved))
	}
}

// AddCall adds a call to the model.
func (self *Handler) AddCall(call *Call, sendNotification bool) {
	self.model.putCall(call)
	if sendNotification {
		self.sendEventsCallAdded(call, nil)
	}
}

// RemoveCall removes a call from the model. The per-endpoint removal events
// fire before the call's own Removed event, and the call is deleted last, so
// a model query at any event is still consistent.
func (self *Handler) RemoveCall(callId string, reason CallEndReason, sendNotification bool) {
	call := self.model.Call(callId)
	if call == nil {
		return
	}
	if sendNotification {
		self.sendEventsCallRemoved(call, &EventData{Reason: reason})
	}
	self.model.deleteCall(callId)
}

/* call events */

func (self *Handler) sendEventsCallAdded(call *Call, data *EventData) {
	self.sendEventsOnCallAndEndpoints(call, true, data)
}

func (self *Handler) sendEventsCallRemoved(call *Call, data *EventData) {
	self.sendEventsOnCallAndEndpoints(call, false, data)
}

func (self *Handler) sendEventsOnCallAndEndpoints(call *Call, added bool, data *EventData) {
	if added {
		// add the call before its endpoints
		self.model.Notify(NewEventWithData(call, EventTypeAdded, data))
	}
	self.sendEventsForCallPoint(call, call.Source, added)
	self.sendEventsForCallPoint(call, call.Destination, added)
	if !added {
		// remove the call after its endpoints
		self.model.Notify(NewEventWithData(call, EventTypeRemoved, data))
	}
}

func (self *Handler) sendEventsForCallPoint(call *Call, callPoint *CallPoint, added bool) {
	callEventType := EventTypeCallRemoved
	if added {
		callEventType = EventTypeCallAdded
	}

	switch callPoint.Type {
	case CallPointTypeUser:
		user := callPoint.User(self.model)
		if user == nil {
			glog.Warningf("[h]could not deliver event; user %s non-existing\n", callPoint.UserId)
			return
		}

		// notification on the user
		self.model.Notify(NewEventWithData(user, callEventType, &EventData{Call: call}))

		// notification on the call
		userEventType := EventTypeUserRemoved
		if added {
			userEventType = EventTypeUserAdded
		}
		self.model.Notify(NewEventWithData(call, userEventType, &EventData{User: user}))

	case CallPointTypeQueue:
		queue := callPoint.Queue(self.model)
		if queue == nil {
			glog.Warningf("[h]could not deliver event; queue %s non-existing\n", callPoint.QueueId)
			return
		}

		// notification on the queue
		self.model.Notify(NewEventWithData(queue, callEventType, &EventData{Call: call}))

		// notification on the call
		queueEventType := EventTypeQueueRemoved
		if added {
			queueEventType = EventTypeQueueAdded
		}
		self.model.Notify(NewEventWithData(call, queueEventType, &EventData{Queue: queue}))

	default:
		// no other callpoint types have observable entities to notify
	}
}

// sendEventsCallUpdated sends events for a replaced callpoint (not just a
// state change): the old callpoint leaves the call, the new one joins it.
func (self *Handler) sendEventsCallUpdated(call *Call, origCallPoint *CallPoint, newCallPoint *CallPoint) {
	self.sendEventsForCallPoint(call, origCallPoint, false)
	self.sendEventsForCallPoint(call, newCallPoint, true)
}

/* notification dispatch */

func (self *Handler) handleCallNotification(not *Node) error {
	notificationType := not.Attr("type")
	switch notificationTypeUpToLevel(notificationType, 2) {
	case "notification.call.start":
		return self.handleCallStartNotification(not)
	case "notification.call.end":
		return self.handleCallEndNotification(not)
	case "notification.call.update":
		return self.handleCallUpdateNotification(not)
	case "notification.call.stepresult":
		return self.handleCallStepResultNotification(not)
	default:
		glog.Warningf("[h]don't know how to handle notification type %s\n", notificationType)
		return nil
	}
}

func (self *Handler) handleCallStartNotification(not *Node) error {
	parsed, err := self.parser.Parse(not.First("call"), ObjectTypeCall)
	if err != nil {
		return err
	}
	self.AddCall(parsed.(*Call), true)
	return nil
}

func (self *Handler) handleCallEndNotification(not *Node) error {
	callId := not.ChildText("callId")
	if callId == "" {
		return fmt.Errorf("no callId in notification.call.end element")
	}
	reason := CallEndReason(not.ChildText("endReason"))
	if reason == "" {
		reason = CallEndReasonUnknown
	}
	self.RemoveCall(callId, reason, true)
	return nil
}

func (self *Handler) handleCallUpdateNotification(not *Node) error {
	parsed, err := self.parser.Parse(not.First("call"), ObjectTypeCall)
	if err != nil {
		return err
	}
	callFromNotification := parsed.(*Call)
	updateType := not.ChildText("updateType")

	call := self.model.Call(callFromNotification.Id)
	if call == nil {
		// a missed start notification. Insert as a new call.
		glog.V(1).Infof("[h]update for unknown call %s, adding now\n", callFromNotification.Id)
		self.AddCall(callFromNotification, true)
		return nil
	}

	// Call updates come in two variations:
	// 1) state change: the call state and/or a callpoint state changed
	// 2) endpoint change: source/destination/both are REPLACED, not mutated
	// During an endpoint change, the state may change as well.

	oldSource := call.Source
	oldDestination := call.Destination
	oldState := call.State
	stateChanged := false
	sourceChanged := false
	destinationChanged := false

	switch updateType {
	case callUpdateTypeSource:
		call.Source = callFromNotification.Source
		self.sendEventsCallUpdated(call, oldSource, call.Source)
		sourceChanged = true

	case callUpdateTypeDestination:
		call.Destination = callFromNotification.Destination
		self.sendEventsCallUpdated(call, oldDestination, call.Destination)
		destinationChanged = true

	case callUpdateTypeBoth:
		call.Source = callFromNotification.Source
		self.sendEventsCallUpdated(call, oldSource, call.Source)
		sourceChanged = true

		call.Destination = callFromNotification.Destination
		self.sendEventsCallUpdated(call, oldDestination, call.Destination)
		destinationChanged = true

	case callUpdateTypeState:
		// handled below

	default:
		glog.Warningf("[h]unknown call updateType %s\n", updateType)
	}

	// the call state can also change during an endpoint replacement
	if call.State != callFromNotification.State {
		call.State = callFromNotification.State
		stateChanged = true
	}

	// callpoint state changes without an explicit replacement above still
	// replace the callpoint wholesale, so callpoints stay immutable. The
	// sourceChanged/destinationChanged flags keep an explicitly replaced
	// endpoint from firing Changed twice.
	if !sourceChanged && call.Source.State != callFromNotification.Source.State {
		call.Source = callFromNotification.Source
		sourceChanged = true
	}
	if !destinationChanged && call.Destination.State != callFromNotification.Destination.State {
		call.Destination = callFromNotification.Destination
		destinationChanged = true
	}

	if stateChanged {
		self.model.Notify(NewEventWithData(call, EventTypeChanged, &EventData{
			UpdateType: "state",
			OldState:   oldState,
		}))
	}
	if sourceChanged {
		self.model.Notify(NewEventWithData(call, EventTypeChanged, &EventData{
			UpdateType:   "source",
			OldCallPoint: oldSource,
		}))
	}
	if destinationChanged {
		self.model.Notify(NewEventWithData(call, EventTypeChanged, &EventData{
			UpdateType:   "destination",
			OldCallPoint: oldDestination,
		}))
	}
	return nil
}

func (self *Handler) handleCallStepResultNotification(not *Node) error {
	callId := not.ChildText("callId")
	call := self.model.Call(callId)
	if call == nil {
		glog.Warningf("[h]received stepResult notification for call %s we don't know about\n", callId)
		return nil
	}

	parsed, err := self.parser.Parse(not.First("callpoint"), ObjectTypeCallPoint)
	if err != nil {
		return err
	}

	side := SideDestination
	if not.ChildText("side") == string(SideSource) {
		side = SideSource
	}

	self.model.Notify(NewEventWithData(call, EventTypeChanged, &EventData{
		UpdateType: "stepResult",
		Side:       side,
		CallPoint:  parsed.(*CallPoint),
		Result:     not.ChildText("result"),
	}))
	return nil
}

func (self *Handler) handleUserNotification(not *Node) error {
	notificationType := not.Attr("type")
	userId := not.ChildText("userId")

	if notificationType == "notification.user.create" {
		// the user must *not* exist
		if self.model.User(userId) != nil {
			glog.Warningf("[h]received %s for %s, but user with that userId already exists\n", notificationType, userId)
			return nil
		}
		parsed, err := self.parser.Parse(not.First("user"), ObjectTypeUser)
		if err != nil {
			return err
		}
		self.AddUser(parsed.(*User), true)
		return nil
	}

	// for all other user notifications the user must exist
	user := self.model.User(userId)
	if user == nil {
		glog.Warningf("[h]received %s for %s, but user with that userId does not exist\n", notificationType, userId)
		return nil
	}

	switch notificationType {
	case "notification.user.update":
		self.handlePropertiesChanged(user, not.All("propertyChange"), func(name string, newValue string) {
			self.applyUserProperty(user, name, newValue)
		})
	case "notification.user.destroy":
		self.RemoveUser(userId, true)
	default:
		glog.Warningf("[h]unknown user notification type %s\n", notificationType)
	}
	return nil
}

func (self *Handler) handleQueueMemberNotification(not *Node) error {
	notificationType := not.Attr("type")
	memberElem := not.First("member")
	queueId := memberElem.ChildText("queueId")
	userId := memberElem.ChildText("userId")
	priority := memberElem.ChildText("priority")
	pausedSince := memberElem.ChildText("pausedSince")

	queue := self.model.Queue(queueId)
	user := self.model.User(userId)

	if user == nil {
		glog.Warningf("[h]could not deliver event; user %s non-existing\n", userId)
		return nil
	}
	if queue == nil {
		glog.Warningf("[h]notification %s for queue %s not processed, queue not found in model\n", notificationType, queueId)
		return nil
	}

	switch notificationType {
	case "notification.queueMember.enter":
		if queue.Member(userId) != nil {
			glog.Warningf("[h]received %s for userId %s, but user already in queue\n", notificationType, userId)
			return nil
		}
		member := NewQueueMember(userId, queueId, priority, pausedSince, self.model)
		queue.Members = append(queue.Members, member)
		self.model.Notify(NewEventWithData(queue, EventTypeUserAdded, &EventData{User: user}))
		self.model.Notify(NewEventWithData(user, EventTypeQueueAdded, &EventData{Queue: queue}))

	case "notification.queueMember.leave":
		if member := queue.Member(userId); member != nil {
			for i, m := range queue.Members {
				if m == member {
					queue.Members = append(queue.Members[:i], queue.Members[i+1:]...)
					break
				}
			}
		}
		self.model.Notify(NewEventWithData(queue, EventTypeUserRemoved, &EventData{User: user}))
		self.model.Notify(NewEventWithData(user, EventTypeQueueRemoved, &EventData{Queue: queue}))

	case "notification.queueMember.update":
		member := queue.Member(userId)
		if member == nil {
			glog.Warningf("[h]received %s for userId %s, but user not in queue\n", notificationType, userId)
			return nil
		}
		wasPaused := member.IsPaused()
		member.SetPausedSince(pausedSince)
		member.SetPriority(priority)
		if member.IsPaused() != wasPaused {
			// the pause state transitioned
			eventType := EventTypeUnpaused
			if member.IsPaused() {
				eventType = EventTypePaused
			}
			self.model.Notify(NewEventWithData(queue, eventType, &EventData{User: user}))
			self.model.Notify(NewEventWithData(user, eventType, &EventData{Queue: queue}))
		}

	default:
		glog.Warningf("[h]don't know how to handle notification type %s\n", notificationType)
	}
	return nil
}

func (self *Handler) handleQueueNotification(not *Node) error {
	notificationType := not.Attr("type")
	queueId := not.ChildText("queueId")
	queue := self.model.Queue(queueId)

	if queue != nil {
		switch notificationType {
		case "notification.queue.call.enter":
			// no events; the callpoint update already sent CallAdded on the queue
		case "notification.queue.call.leave":
			// no events; the callpoint update already sent CallRemoved on the queue
		case "notification.queue.update":
			self.handlePropertiesChanged(queue, not.All("propertyChange"), func(name string, newValue string) {
				self.applyQueueProperty(queue, name, newValue)
			})
		case "notification.queue.destroy":
			self.RemoveQueue(queueId, true)
		default:
			glog.Warningf("[h]don't know how to handle notification type %s\n", notificationType)
		}
		return nil
	}

	switch notificationType {
	case "notification.queue.create":
		parsed, err := self.parser.Parse(not.First("queue"), ObjectTypeQueue)
		if err != nil {
			return err
		}
		self.AddQueue(parsed.(*Queue), true)
	default:
		glog.Warningf("[h]notification %s for queue %s not processed, queue not found in model\n", notificationType, queueId)
	}
	return nil
}

// handlePropertiesChanged applies a list of property deltas to an entity.
// Every delta notifies PropertyChanged, recognized or not; only recognized
// property names mutate a field.
func (self *Handler) handlePropertiesChanged(emitter any, propertyElems []*Node, applyProperty func(name string, newValue string)) {
	for _, propertyElem := range propertyElems {
		name := propertyElem.ChildText("name")
		oldValue := propertyElem.ChildText("oldValue")
		newValue := propertyElem.ChildText("newValue")

		applyProperty(name, newValue)

		self.model.Notify(NewEventWithData(emitter, EventTypePropertyChanged, &EventData{
			Name:     name,
			OldValue: oldValue,
			NewValue: newValue,
		}))
	}
}

func (self *Handler) applyUserProperty(user *User, name string, newValue string) {
	switch name {
	case "name":
		user.Name = newValue
	case "loggedIn":
		user.LoggedIn = parseBoolean(newValue)
	case "location":
		user.PhoneId = parseIntOrNil(newValue)
	default:
		glog.V(1).Infof("[h]got user property update: %s is now '%s'\n", name, newValue)
	}
}

func (self *Handler) applyQueueProperty(queue *Queue, name string, newValue string) {
	switch name {
	case "name":
		queue.Name = newValue
	default:
		glog.V(1).Infof("[h]got queue property update: %s is now '%s'\n", name, newValue)
	}
}

// notificationTypeUpToLevel truncates a dotted notification type at the
// given level, 0 being the first component.
func notificationTypeUpToLevel(notificationType string, level int) string {
	parts := strings.Split(notificationType, ".")
	if level+1 < len(parts) {
		parts = parts[:level+1]
	}
	return strings.Join(parts, ".")
}
