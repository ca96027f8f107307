package live

import "encoding/json"

// Channel events
const (
	EventJoinChat       = "joinChat"
	EventLeaveChat      = "leaveChat"
	EventSendMessage    = "sendMessage"
	EventReceiveMessage = "receiveMessage"
	EventAck            = "ack"
)

// Frame is the envelope for every message on the live channel
type Frame struct {
	Event       string          `json:"event"`                  // Event type
	OperationId string          `json:"operation_id,omitempty"` // Client-stamped trace Id
	MsgId       string          `json:"msg_id,omitempty"`       // Message Id an ack refers to
	Ok          bool            `json:"ok,omitempty"`           // Ack result
	Data        json.RawMessage `json:"data,omitempty"`         // Event payload
}

// JoinChatData is the payload of a joinChat / leaveChat frame
type JoinChatData struct {
	ConversationId string `json:"conversation_id"`
}

// Encode encodes data to JSON bytes
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to struct
func Decode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
