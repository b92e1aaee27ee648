package compass

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/golang/glog"
)

// ObjectType selects the decoder for a snapshot or notification payload.
type ObjectType string

const (
	ObjectTypeCompany   ObjectType = "company"
	ObjectTypeUser      ObjectType = "user"
	ObjectTypeQueue     ObjectType = "queue"
	ObjectTypeCall      ObjectType = "call"
	ObjectTypeCallPoint ObjectType = "callpoint"
)

type parseFunction = func(elem *Node, parser *Parser) (any, error)

// Parser decodes stanza elements into model objects.
//
// The type-to-decoder mapping is constructed once and never mutated; all
// object types are known at compile time. Child calls resolve their parent by
// id lookup in the model, so batch decoding must insert parent calls first
// (see Handler.SetCallsFromStanza).
type Parser struct {
	model   *Model
	parsers map[ObjectType]parseFunction
}

func NewParser(model *Model) *Parser {
	return &Parser{
		model: model,
		parsers: map[ObjectType]parseFunction{
			ObjectTypeCompany:   parseCompany,
			ObjectTypeUser:      parseUser,
			ObjectTypeQueue:     parseQueue,
			ObjectTypeCall:      parseCall,
			ObjectTypeCallPoint: parseCallPoint,
		},
	}
}

// Parse decodes one element. An unrecognized object type logs and returns
// nil so that a newer platform cannot wedge an older client; a missing
// required node for a recognized type returns an error.
func (self *Parser) Parse(elem *Node, objectType ObjectType) (any, error) {
	parse, ok := self.parsers[objectType]
	if !ok {
		glog.Warningf("[p]no parser available for type %s\n", objectType)
		return nil, nil
	}
	if elem == nil {
		return nil, fmt.Errorf("parse %s: missing element", objectType)
	}
	return parse(elem, self)
}

func parseCompany(elem *Node, parser *Parser) (any, error) {
	companyId := elem.ChildText("id")
	if companyId == "" {
		return nil, fmt.Errorf("parse company: missing id")
	}
	return &Company{
		Id:   companyId,
		Name: elem.ChildText("name"),
	}, nil
}

func parseUser(elem *Node, parser *Parser) (any, error) {
	userId := elem.Attr("id")
	if userId == "" {
		return nil, fmt.Errorf("parse user: missing id attribute")
	}
	user := &User{
		Id:       userId,
		Name:     elem.ChildText("name"),
		LoggedIn: parseBoolean(elem.ChildText("loggedIn")),
		Jid:      elem.First("identifiers").ChildText("xmppJid"),
		Username: elem.First("identifiers").ChildText("compassId"),
		PhoneId:  parseIntOrNil(elem.ChildText("location")),
		Contact:  elem.ChildText("contact"),
		Language: elem.ChildText("language"),
		model:    parser.model,
	}
	if exts := elem.ChildText("extensions"); exts != "" {
		user.Extensions = strings.Split(exts, ",")
	} else {
		user.Extensions = []string{}
	}
	return user, nil
}

func parseQueue(elem *Node, parser *Parser) (any, error) {
	queueId := elem.Attr("id")
	if queueId == "" {
		return nil, fmt.Errorf("parse queue: missing id attribute")
	}
	queue := &Queue{
		Id:      queueId,
		Name:    elem.ChildText("name"),
		Members: []*QueueMember{},
		model:   parser.model,
	}
	if userEntries := elem.First("userEntries"); userEntries != nil {
		for _, entryElem := range userEntries.Children {
			member := NewQueueMember(
				entryElem.ChildText("userId"),
				queue.Id,
				entryElem.ChildText("priority"),
				entryElem.ChildText("pausedSince"),
				parser.model,
			)
			queue.Members = append(queue.Members, member)
		}
	}
	// calls are associated with queues through callpoints, so the callIds
	// element is not decoded here
	return queue, nil
}

func parseCall(elem *Node, parser *Parser) (any, error) {
	callId := elem.Attr("id")
	if callId == "" {
		return nil, fmt.Errorf("parse call: missing id attribute")
	}
	sourceElem := elem.First("source")
	destinationElem := elem.First("destination")
	if sourceElem == nil || destinationElem == nil {
		return nil, fmt.Errorf("parse call %s: missing source or destination", callId)
	}

	source, err := parser.Parse(sourceElem, ObjectTypeCallPoint)
	if err != nil {
		return nil, err
	}
	destination, err := parser.Parse(destinationElem, ObjectTypeCallPoint)
	if err != nil {
		return nil, err
	}

	call := &Call{
		Id:          callId,
		State:       CallState(elem.ChildText("state")),
		Source:      source.(*CallPoint),
		Destination: destination.(*CallPoint),
		model:       parser.model,
	}

	if parentCallId := elem.First("properties").ChildText("QueueCallForCall"); parentCallId != "" {
		call.ParentCall = parser.model.Call(parentCallId)
		if call.ParentCall == nil {
			glog.V(1).Infof("[p]call %s: parent call %s not in model\n", callId, parentCallId)
		}
	}
	return call, nil
}

// variant decoders for the callpoint sum type, keyed by the wire
// discriminator. Built once; unknown discriminators decode to a callpoint
// with the raw type string and no variant fields.
var callPointVariants = map[CallPointType]func(callPoint *CallPoint, elem *Node){
	CallPointTypeUser: func(callPoint *CallPoint, elem *Node) {
		callPoint.UserId = elem.ChildText("userId")
	},
	CallPointTypeQueue: func(callPoint *CallPoint, elem *Node) {
		callPoint.QueueId = elem.ChildText("queueId")
		callPoint.QueueName = elem.ChildText("queueName")
	},
	CallPointTypeExternal: func(callPoint *CallPoint, elem *Node) {
		callPoint.Number = elem.ChildText("number")
		callPoint.Name = elem.ChildText("name")
	},
	CallPointTypeDialplan: func(callPoint *CallPoint, elem *Node) {
		callPoint.Exten = elem.ChildText("exten")
		callPoint.Description = elem.ChildText("description")
	},
	CallPointTypeResource: func(callPoint *CallPoint, elem *Node) {
		callPoint.ResourceType = elem.ChildText("resourceType")
	},
	CallPointTypeListenIn: func(callPoint *CallPoint, elem *Node) {
		callPoint.ListenedToCallId = elem.ChildText("listenedTo")
	},
}

func parseCallPoint(elem *Node, parser *Parser) (any, error) {
	callPointType := CallPointType(elem.Attr("type"))
	if callPointType == "" {
		callPointType = CallPointTypeUnknown
	}
	callPoint := &CallPoint{
		Id:          elem.Attr("id"),
		Type:        callPointType,
		State:       CallPointStateInactive,
		TimeCreated: parseInt64(elem.ChildText("timeCreated")),
		TimeStarted: parseInt64(elem.ChildText("timeStarted")),
	}
	if state := elem.ChildText("state"); state != "" {
		callPoint.State = CallPointState(state)
	}
	if fillVariant, ok := callPointVariants[callPointType]; ok {
		fillVariant(callPoint, elem)
	}
	return callPoint, nil
}

func parseBoolean(value string) bool {
	return value == "true"
}

func parseIntOrNil(value string) *int {
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return nil
	}
	return &parsed
}

func parseInt64(value string) int64 {
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
