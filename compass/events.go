package compass

// EventType enumerates the kinds of events delivered on the model's
// user, queue and call channels.
type EventType string

const (
	// the emitter is newly added
	EventTypeAdded EventType = "Added"
	// the emitter is removed
	EventTypeRemoved EventType = "Removed"
	// the emitter has changed
	EventTypeChanged EventType = "Changed"

	// the emitter is associated with the call in Data.Call
	EventTypeCallAdded EventType = "CallAdded"
	// the emitter is no longer associated with the call in Data.Call
	EventTypeCallRemoved EventType = "CallRemoved"

	// the emitter is associated with the queue in Data.Queue
	EventTypeQueueAdded EventType = "QueueAdded"
	// the emitter is no longer associated with the queue in Data.Queue
	EventTypeQueueRemoved EventType = "QueueRemoved"

	// the emitter is associated with the user in Data.User
	EventTypeUserAdded EventType = "UserAdded"
	// the emitter is no longer associated with the user in Data.User
	EventTypeUserRemoved EventType = "UserRemoved"

	// the user is paused in a queue. Emitted on both the user and the queue.
	EventTypePaused EventType = "Paused"
	// the user is unpaused in a queue. Emitted on both the user and the queue.
	EventTypeUnpaused EventType = "Unpaused"

	// a property of the emitter has changed
	EventTypePropertyChanged EventType = "PropertyChanged"

	// the model was reset and re-seeded. Fired on every channel after a
	// (re)connect; subscribers must discard cached state and re-read.
	EventTypeInvalidated EventType = "Invalidated"
)

// EventData carries the type-specific payload of an event. Only the fields
// relevant to the event type are set.
type EventData struct {
	// CallAdded/CallRemoved on a user or queue
	Call *Call
	// UserAdded/UserRemoved, Paused/Unpaused
	User *User
	// QueueAdded/QueueRemoved, Paused/Unpaused
	Queue *Queue

	// Removed on a call
	Reason CallEndReason

	// Changed on a call: "state", "source", "destination" or "stepResult"
	UpdateType string
	// Changed{UpdateType: "state"}
	OldState CallState
	// Changed{UpdateType: "source"|"destination"}: the replaced endpoint
	OldCallPoint *CallPoint
	// Changed{UpdateType: "stepResult"}
	Side      Side
	CallPoint *CallPoint
	Result    string

	// PropertyChanged
	Name     string
	OldValue string
	NewValue string
}

// Event is a single observable model change.
//
// Emitter is the *User, *Queue or *Call the event is about. It is nil only
// for Invalidated broadcasts.
type Event struct {
	Emitter any
	Type    EventType
	Data    *EventData
}

func NewEvent(emitter any, eventType EventType) *Event {
	return &Event{
		Emitter: emitter,
		Type:    eventType,
	}
}

func NewEventWithData(emitter any, eventType EventType, data *EventData) *Event {
	return &Event{
		Emitter: emitter,
		Type:    eventType,
		Data:    data,
	}
}
