package compass

import (
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type recordedEvent struct {
	channel string
	event   *Event
}

// summary renders the event compactly so whole sequences can be compared in
// one assert.
func (self recordedEvent) summary() string {
	emitter := "nil"
	if self.event.Emitter != nil {
		emitter = fmt.Sprintf("%s", self.event.Emitter)
	}
	return fmt.Sprintf("%s:%s:%s", self.channel, emitter, self.event.Type)
}

func recordModelEvents(model *Model) *[]recordedEvent {
	events := &[]recordedEvent{}
	model.AddUserEventCallback(func(event *Event) {
		*events = append(*events, recordedEvent{"user", event})
	})
	model.AddQueueEventCallback(func(event *Event) {
		*events = append(*events, recordedEvent{"queue", event})
	})
	model.AddCallEventCallback(func(event *Event) {
		*events = append(*events, recordedEvent{"call", event})
	})
	return events
}

func summaries(events []recordedEvent) []string {
	out := []string{}
	for _, recorded := range events {
		out = append(out, recorded.summary())
	}
	return out
}

func newTestHandler() (*Handler, *Model) {
	model := newTestModel()
	addTestUser(model, "u1")
	addTestUser(model, "u2")
	addTestQueue(model, "q1")
	return NewHandler(model), model
}

func handleTestNotification(t *testing.T, handler *Handler, data string) {
	err := handler.HandleNotification(parseTestStanza(t, data))
	assert.Equal(t, err, nil)
}

const callStartToUser = `
	<notification type="notification.call.start">
		<call id="c1">
			<state>RINGING</state>
			<source type="External" id="cp1">
				<state>ANSWERED</state>
				<number>31201234567</number>
			</source>
			<destination type="User" id="cp2">
				<state>RINGING</state>
				<userId>u1</userId>
			</destination>
		</call>
	</notification>
`

func TestCallStartEventOrder(t *testing.T) {
	handler, model := newTestHandler()
	events := recordModelEvents(model)

	handleTestNotification(t, handler, callStartToUser)

	// the call is added before its endpoints are announced
	assert.Equal(t, summaries(*events), []string{
		"call:Call(c1):Added",
		"user:User(u1):CallAdded",
		"call:Call(c1):UserAdded",
	})

	call := model.Call("c1")
	assert.NotEqual(t, call, nil)
	assert.Equal(t, (*events)[1].event.Data.Call, call)
	assert.Equal(t, (*events)[2].event.Data.User, model.User("u1"))
}

func TestCallEndEventOrder(t *testing.T) {
	handler, model := newTestHandler()
	handleTestNotification(t, handler, callStartToUser)
	events := recordModelEvents(model)

	handleTestNotification(t, handler, `
		<notification type="notification.call.end">
			<callId>c1</callId>
			<endReason>SOURCE_HANGUP</endReason>
		</notification>
	`)

	// endpoints are detached before the call's own Removed event
	assert.Equal(t, summaries(*events), []string{
		"user:User(u1):CallRemoved",
		"call:Call(c1):UserRemoved",
		"call:Call(c1):Removed",
	})
	assert.Equal(t, (*events)[2].event.Data.Reason, CallEndReasonSourceHangup)
	assert.Equal(t, model.Call("c1"), nil)

	// the call is gone; a second end is a no-op
	handleTestNotification(t, handler, `
		<notification type="notification.call.end">
			<callId>c1</callId>
		</notification>
	`)
	assert.Equal(t, len(*events), 3)
}

func TestCallEndWithoutReason(t *testing.T) {
	handler, model := newTestHandler()
	handleTestNotification(t, handler, callStartToUser)
	events := recordModelEvents(model)

	handleTestNotification(t, handler, `
		<notification type="notification.call.end">
			<callId>c1</callId>
		</notification>
	`)
	last := (*events)[len(*events)-1]
	assert.Equal(t, last.event.Type, EventTypeRemoved)
	assert.Equal(t, last.event.Data.Reason, CallEndReasonUnknown)
}

func TestCallUpdateNoop(t *testing.T) {
	handler, model := newTestHandler()
	handleTestNotification(t, handler, callStartToUser)
	events := recordModelEvents(model)

	// same call state, same endpoint states: nothing changed
	handleTestNotification(t, handler, `
		<notification type="notification.call.update">
			<updateType>STATE</updateType>
			<call id="c1">
				<state>RINGING</state>
				<source type="External" id="cp1">
					<state>ANSWERED</state>
					<number>31201234567</number>
				</source>
				<destination type="User" id="cp2">
					<state>RINGING</state>
					<userId>u1</userId>
				</destination>
			</call>
		</notification>
	`)
	assert.Equal(t, len(*events), 0)
}

func TestCallUpdateStateChange(t *testing.T) {
	handler, model := newTestHandler()
	handleTestNotification(t, handler, callStartToUser)
	events := recordModelEvents(model)

	handleTestNotification(t, handler, `
		<notification type="notification.call.update">
			<updateType>STATE</updateType>
			<call id="c1">
				<state>ANSWERED</state>
				<source type="External" id="cp1">
					<state>ANSWERED</state>
					<number>31201234567</number>
				</source>
				<destination type="User" id="cp2">
					<state>ANSWERED</state>
					<userId>u1</userId>
				</destination>
			</call>
		</notification>
	`)

	// a state-only change replaces the callpoint but does not re-announce it
	assert.Equal(t, summaries(*events), []string{
		"call:Call(c1):Changed",
		"call:Call(c1):Changed",
	})
	assert.Equal(t, (*events)[0].event.Data.UpdateType, "state")
	assert.Equal(t, (*events)[0].event.Data.OldState, CallStateRinging)
	assert.Equal(t, (*events)[1].event.Data.UpdateType, "destination")
	assert.Equal(t, (*events)[1].event.Data.OldCallPoint.State, CallPointStateRinging)

	call := model.Call("c1")
	assert.Equal(t, call.State, CallStateAnswered)
	assert.Equal(t, call.Destination.State, CallPointStateAnswered)
}

func TestCallUpdateDestinationReplaced(t *testing.T) {
	handler, model := newTestHandler()
	handleTestNotification(t, handler, `
		<notification type="notification.call.start">
			<call id="c1">
				<state>RINGING</state>
				<source type="External" id="cp1">
					<state>ANSWERED</state>
					<number>31201234567</number>
				</source>
				<destination type="Queue" id="cp2">
					<state>RINGING</state>
					<queueId>q1</queueId>
				</destination>
			</call>
		</notification>
	`)
	events := recordModelEvents(model)

	// the queue hands the call to user u2
	handleTestNotification(t, handler, `
		<notification type="notification.call.update">
			<updateType>DESTINATION</updateType>
			<call id="c1">
				<state>RINGING</state>
				<source type="External" id="cp1">
					<state>ANSWERED</state>
					<number>31201234567</number>
				</source>
				<destination type="User" id="cp3">
					<state>RINGING</state>
					<userId>u2</userId>
				</destination>
			</call>
		</notification>
	`)

	// the old endpoint leaves, the new one joins, then the call reports the
	// replacement
	assert.Equal(t, summaries(*events), []string{
		"queue:Queue(q1):CallRemoved",
		"call:Call(c1):QueueRemoved",
		"user:User(u2):CallAdded",
		"call:Call(c1):UserAdded",
		"call:Call(c1):Changed",
	})
	changed := (*events)[4].event
	assert.Equal(t, changed.Data.UpdateType, "destination")
	assert.Equal(t, changed.Data.OldCallPoint.QueueId, "q1")

	call := model.Call("c1")
	assert.Equal(t, call.Destination.Type, CallPointTypeUser)
	assert.Equal(t, call.Destination.UserId, "u2")
}

func TestCallUpdateUnknownCall(t *testing.T) {
	handler, model := newTestHandler()
	events := recordModelEvents(model)

	// an update for a call we never saw start is treated as a start
	handleTestNotification(t, handler, `
		<notification type="notification.call.update">
			<updateType>STATE</updateType>
			<call id="c7">
				<state>ANSWERED</state>
				<source type="External" id="cp1"><state>ANSWERED</state></source>
				<destination type="User" id="cp2">
					<state>ANSWERED</state>
					<userId>u1</userId>
				</destination>
			</call>
		</notification>
	`)
	assert.Equal(t, summaries(*events), []string{
		"call:Call(c7):Added",
		"user:User(u1):CallAdded",
		"call:Call(c7):UserAdded",
	})
	assert.NotEqual(t, model.Call("c7"), nil)
}

func TestCallStepResult(t *testing.T) {
	handler, model := newTestHandler()
	handleTestNotification(t, handler, callStartToUser)
	events := recordModelEvents(model)

	handleTestNotification(t, handler, `
		<notification type="notification.call.stepresult">
			<callId>c1</callId>
			<side>DESTINATION</side>
			<result>BUSY</result>
			<callpoint type="User" id="cp2">
				<state>INACTIVE</state>
				<userId>u1</userId>
			</callpoint>
		</notification>
	`)
	assert.Equal(t, summaries(*events), []string{
		"call:Call(c1):Changed",
	})
	data := (*events)[0].event.Data
	assert.Equal(t, data.UpdateType, "stepResult")
	assert.Equal(t, data.Side, SideDestination)
	assert.Equal(t, data.Result, "BUSY")
	assert.Equal(t, data.CallPoint.UserId, "u1")

	// unknown call: logged and dropped
	handleTestNotification(t, handler, `
		<notification type="notification.call.stepresult">
			<callId>c9</callId>
			<side>SOURCE</side>
			<result>BUSY</result>
			<callpoint type="User" id="cp1"><userId>u1</userId></callpoint>
		</notification>
	`)
	assert.Equal(t, len(*events), 1)
}

func TestSetCallsFromStanzaParentOrder(t *testing.T) {
	handler, model := newTestHandler()
	events := recordModelEvents(model)

	// the child call appears before its parent in the snapshot
	child := parseTestStanza(t, `
		<call id="c2">
			<state>RINGING</state>
			<source type="Queue" id="cp3"><queueId>q1</queueId></source>
			<destination type="User" id="cp4"><userId>u2</userId></destination>
			<properties><QueueCallForCall>c1</QueueCallForCall></properties>
		</call>
	`)
	parent := parseTestStanza(t, `
		<call id="c1">
			<state>RINGING</state>
			<source type="External" id="cp1"><state>ANSWERED</state></source>
			<destination type="Queue" id="cp2"><queueId>q1</queueId></destination>
		</call>
	`)

	err := handler.SetCallsFromStanza([]*Node{child, parent})
	assert.Equal(t, err, nil)

	// snapshot loads are silent
	assert.Equal(t, len(*events), 0)
	assert.Equal(t, model.Call("c2").ParentCall, model.Call("c1"))
}

func TestQueueMemberEnterLeave(t *testing.T) {
	handler, model := newTestHandler()
	events := recordModelEvents(model)

	enter := `
		<notification type="notification.queueMember.enter">
			<member>
				<queueId>q1</queueId>
				<userId>u1</userId>
				<priority>1</priority>
			</member>
		</notification>
	`
	handleTestNotification(t, handler, enter)
	assert.Equal(t, summaries(*events), []string{
		"queue:Queue(q1):UserAdded",
		"user:User(u1):QueueAdded",
	})
	assert.Equal(t, model.Queue("q1").IsUserInQueue("u1"), true)

	// entering twice is logged and dropped
	handleTestNotification(t, handler, enter)
	assert.Equal(t, len(*events), 2)

	handleTestNotification(t, handler, `
		<notification type="notification.queueMember.leave">
			<member>
				<queueId>q1</queueId>
				<userId>u1</userId>
			</member>
		</notification>
	`)
	assert.Equal(t, summaries((*events)[2:]), []string{
		"queue:Queue(q1):UserRemoved",
		"user:User(u1):QueueRemoved",
	})
	assert.Equal(t, model.Queue("q1").IsUserInQueue("u1"), false)
}

func TestQueueMemberPauseTransition(t *testing.T) {
	handler, model := newTestHandler()
	handleTestNotification(t, handler, `
		<notification type="notification.queueMember.enter">
			<member>
				<queueId>q1</queueId>
				<userId>u1</userId>
				<priority>1</priority>
			</member>
		</notification>
	`)
	events := recordModelEvents(model)

	pausedUpdate := `
		<notification type="notification.queueMember.update">
			<member>
				<queueId>q1</queueId>
				<userId>u1</userId>
				<priority>1</priority>
				<pausedSince>1700000000000</pausedSince>
			</member>
		</notification>
	`

	// only the transition fires events, repeats are silent
	handleTestNotification(t, handler, pausedUpdate)
	handleTestNotification(t, handler, pausedUpdate)
	handleTestNotification(t, handler, pausedUpdate)
	assert.Equal(t, summaries(*events), []string{
		"queue:Queue(q1):Paused",
		"user:User(u1):Paused",
	})
	assert.Equal(t, model.Queue("q1").IsUserPausedInQueue("u1"), true)

	handleTestNotification(t, handler, `
		<notification type="notification.queueMember.update">
			<member>
				<queueId>q1</queueId>
				<userId>u1</userId>
				<priority>1</priority>
			</member>
		</notification>
	`)
	assert.Equal(t, summaries((*events)[2:]), []string{
		"queue:Queue(q1):Unpaused",
		"user:User(u1):Unpaused",
	})
	assert.Equal(t, model.Queue("q1").IsUserPausedInQueue("u1"), false)
}

func TestUserNotifications(t *testing.T) {
	handler, model := newTestHandler()
	events := recordModelEvents(model)

	create := `
		<notification type="notification.user.create">
			<userId>u9</userId>
			<user id="u9">
				<name>Carol</name>
				<identifiers><xmppJid>carol@uc.example.com</xmppJid></identifiers>
			</user>
		</notification>
	`
	handleTestNotification(t, handler, create)
	assert.Equal(t, summaries(*events), []string{"user:User(u9):Added"})
	assert.NotEqual(t, model.User("u9"), nil)

	// creating an existing user is logged and dropped
	handleTestNotification(t, handler, create)
	assert.Equal(t, len(*events), 1)

	handleTestNotification(t, handler, `
		<notification type="notification.user.update">
			<userId>u9</userId>
			<propertyChange>
				<name>loggedIn</name>
				<oldValue>false</oldValue>
				<newValue>true</newValue>
			</propertyChange>
			<propertyChange>
				<name>futureProperty</name>
				<newValue>whatever</newValue>
			</propertyChange>
		</notification>
	`)
	// every delta notifies, recognized or not
	assert.Equal(t, summaries((*events)[1:]), []string{
		"user:User(u9):PropertyChanged",
		"user:User(u9):PropertyChanged",
	})
	assert.Equal(t, (*events)[1].event.Data.Name, "loggedIn")
	assert.Equal(t, (*events)[1].event.Data.NewValue, "true")
	assert.Equal(t, model.User("u9").LoggedIn, true)

	handleTestNotification(t, handler, `
		<notification type="notification.user.destroy">
			<userId>u9</userId>
		</notification>
	`)
	assert.Equal(t, (*events)[len(*events)-1].event.Type, EventTypeRemoved)
	assert.Equal(t, model.User("u9"), nil)

	// notifications for unknown users are logged and dropped
	handleTestNotification(t, handler, `
		<notification type="notification.user.destroy">
			<userId>u9</userId>
		</notification>
	`)
	assert.Equal(t, (*events)[len(*events)-1].event.Type, EventTypeRemoved)
}

func TestQueueNotifications(t *testing.T) {
	handler, model := newTestHandler()
	events := recordModelEvents(model)

	handleTestNotification(t, handler, `
		<notification type="notification.queue.create">
			<queueId>q9</queueId>
			<queue id="q9">
				<name>Sales</name>
			</queue>
		</notification>
	`)
	assert.Equal(t, summaries(*events), []string{"queue:Queue(q9):Added"})

	handleTestNotification(t, handler, `
		<notification type="notification.queue.update">
			<queueId>q9</queueId>
			<propertyChange>
				<name>name</name>
				<oldValue>Sales</oldValue>
				<newValue>Sales NL</newValue>
			</propertyChange>
		</notification>
	`)
	assert.Equal(t, (*events)[1].event.Type, EventTypePropertyChanged)
	assert.Equal(t, model.Queue("q9").Name, "Sales NL")

	// call membership of a queue is tracked through callpoint updates
	handleTestNotification(t, handler, `
		<notification type="notification.queue.call.enter">
			<queueId>q9</queueId>
			<callId>c1</callId>
		</notification>
	`)
	assert.Equal(t, len(*events), 2)

	handleTestNotification(t, handler, `
		<notification type="notification.queue.destroy">
			<queueId>q9</queueId>
		</notification>
	`)
	assert.Equal(t, (*events)[2].event.Type, EventTypeRemoved)
	assert.Equal(t, model.Queue("q9"), nil)
}

func TestSnapshotLoadSerializesWithNotifications(t *testing.T) {
	handler, model := newTestHandler()
	userElem := parseTestStanza(t, `<user id="u3"><name>Carol</name></user>`)

	// while a notification is being handled, a snapshot load must wait
	handler.handleLock.Lock()

	var loadErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		loadErr = handler.SetUsersFromStanza([]*Node{userElem})
	}()

	select {
	case <-done:
		t.Fatalf("snapshot load ran while a notification held the handle lock")
	case <-time.After(50 * time.Millisecond):
	}

	handler.handleLock.Unlock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("snapshot load did not complete after the lock was released")
	}
	assert.Equal(t, loadErr, nil)
	assert.NotEqual(t, model.User("u3"), nil)
}

func TestUnknownNotificationType(t *testing.T) {
	handler, model := newTestHandler()
	events := recordModelEvents(model)

	handleTestNotification(t, handler, `<notification type="notification.future.shiny"/>`)
	assert.Equal(t, len(*events), 0)
}

func TestNotificationTypeUpToLevel(t *testing.T) {
	assert.Equal(t, notificationTypeUpToLevel("notification.call.update", 1), "notification.call")
	assert.Equal(t, notificationTypeUpToLevel("notification.call.update", 2), "notification.call.update")
	assert.Equal(t, notificationTypeUpToLevel("notification.call.update", 5), "notification.call.update")
	assert.Equal(t, notificationTypeUpToLevel("notification", 1), "notification")
}
