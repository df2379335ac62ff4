package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type MessageType string

const (
	TypePresence     MessageType = "presence"
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
)

// Discipline is how a message is delivered.
type Discipline int

const (
	// Broadcast delivers to every session except the sender.
	Broadcast Discipline = iota
	// Targeted delivers to the session announcing Message.TargetID.
	Targeted
)

func (d Discipline) String() string {
	if d == Targeted {
		return "targeted"
	}
	return "broadcast"
}

var ErrNotObject = errors.New("signaling message must be a JSON object")

// Message is the routing envelope of an inbound frame. Only the fields the
// router inspects are decoded; Raw keeps the frame byte-for-byte so payload
// fields are relayed unmodified.
type Message struct {
	Type     MessageType
	NodeID   string
	TargetID string

	Raw []byte
}

// Envelope keys are matched exactly; struct decoding in encoding/json would
// fold case and let "Type" or "NODEID" steer routing.
const (
	keyType     = "type"
	keyNodeID   = "nodeId"
	keyTargetID = "targetId"
)

// ParseMessage decodes the routing envelope of frame. Unknown fields are
// allowed and an absent or unrecognized type is not an error.
func ParseMessage(frame []byte) (Message, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, ErrNotObject
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Message{}, fmt.Errorf("decode signaling message: %w", err)
	}

	var msg Message
	var typ string
	for key, dst := range map[string]*string{
		keyType:     &typ,
		keyNodeID:   &msg.NodeID,
		keyTargetID: &msg.TargetID,
	} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return Message{}, fmt.Errorf("decode signaling message field %q: %w", key, err)
		}
	}
	msg.Type = MessageType(typ)
	msg.Raw = frame
	return msg, nil
}

// Discipline classifies the message. Unrecognized types fall back to
// broadcast so newer clients degrade to flooding instead of being dropped.
func (m Message) Discipline() Discipline {
	switch m.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return Targeted
	default:
		return Broadcast
	}
}
