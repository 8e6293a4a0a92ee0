package ddp

import (
	"encoding/json"
)

// wire messages. each frame is one JSON text message with a `msg`
// discriminator; fields not used by a given message type are omitted.
// https://github.com/meteor/meteor/blob/devel/packages/ddp/DDP.md

type MessageType string

const (
	// outgoing
	MessageTypeConnect MessageType = "connect"
	MessageTypeSub     MessageType = "sub"
	MessageTypeUnsub   MessageType = "unsub"
	MessageTypeMethod  MessageType = "method"

	// both directions
	MessageTypePing MessageType = "ping"
	MessageTypePong MessageType = "pong"

	// incoming
	MessageTypeConnected   MessageType = "connected"
	MessageTypeFailed      MessageType = "failed"
	MessageTypeAdded       MessageType = "added"
	MessageTypeAddedBefore MessageType = "addedBefore"
	MessageTypeChanged     MessageType = "changed"
	MessageTypeMovedBefore MessageType = "movedBefore"
	MessageTypeRemoved     MessageType = "removed"
	MessageTypeReady       MessageType = "ready"
	MessageTypeNosub       MessageType = "nosub"
	MessageTypeResult      MessageType = "result"
	MessageTypeUpdated     MessageType = "updated"
	MessageTypeError       MessageType = "error"
)

type Message struct {
	Type MessageType `json:"msg,omitempty"`
	Id   string      `json:"id,omitempty"`

	// connect / connected
	Version string   `json:"version,omitempty"`
	Support []string `json:"support,omitempty"`
	Session string   `json:"session,omitempty"`

	// sub / method
	Name   string `json:"name,omitempty"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`

	// collection data
	Collection string   `json:"collection,omitempty"`
	Fields     Document `json:"fields,omitempty"`
	Cleared    []string `json:"cleared,omitempty"`
	// document id to insert or move before. nil means end.
	Before *string `json:"before,omitempty"`

	// lifecycle
	Subs    []string `json:"subs,omitempty"`
	Methods []string `json:"methods,omitempty"`

	// result
	Result any          `json:"result,omitempty"`
	Error  *ServerError `json:"error,omitempty"`

	// top level `error` frame
	Reason string `json:"reason,omitempty"`
}

// version negotiation. a caller choosing "1" falls back to pre2;
// the legacy choice advertises pre2 with a pre1 fallback.
func supportedVersions(version string) []string {
	if version == "1" {
		return []string{"1", "pre2"}
	}
	return []string{"pre2", "pre1"}
}

func newConnectMessage(version string) *Message {
	return &Message{
		Type:    MessageTypeConnect,
		Version: version,
		Support: supportedVersions(version),
	}
}

func newPingMessage(id string) *Message {
	return &Message{
		Type: MessageTypePing,
		Id:   id,
	}
}

func newPongMessage(id string) *Message {
	return &Message{
		Type: MessageTypePong,
		Id:   id,
	}
}

func newSubMessage(id string, name string, params []any) *Message {
	return &Message{
		Type:   MessageTypeSub,
		Id:     id,
		Name:   name,
		Params: params,
	}
}

func newUnsubMessage(id string) *Message {
	return &Message{
		Type: MessageTypeUnsub,
		Id:   id,
	}
}

func newMethodMessage(id string, method string, params []any) *Message {
	return &Message{
		Type:   MessageTypeMethod,
		Id:     id,
		Method: method,
		Params: params,
	}
}

// EncodeFrame marshals an outgoing message to one JSON text frame.
// Each params element is run through the EJSON export walk so that
// temporal/binary scalars and codec-typed values hit the wire in
// document form.
func EncodeFrame(message *Message, codecs *CodecRegistry) ([]byte, error) {
	if 0 < len(message.Params) {
		params := make([]any, len(message.Params))
		for i, param := range message.Params {
			params[i] = exportValue(param, codecs)
		}
		exported := *message
		exported.Params = params
		return json.Marshal(&exported)
	}
	return json.Marshal(message)
}

// DecodeFrame parses one incoming JSON text frame.
// Frames with no `msg` discriminator (e.g. the server id banner sent
// before `connected`) decode to a message with an empty type, which the
// session drops.
func DecodeFrame(b []byte) (*Message, error) {
	message := &Message{}
	if err := json.Unmarshal(b, message); err != nil {
		return nil, err
	}
	return message, nil
}
