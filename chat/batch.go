package chat

import "time"

// BatchMessage is a raw history record inside a batch. Records carry no
// conversation tag of their own, and some server payloads report a time range
// on the batch instead of per-message stamps, so Timestamp may be zero.
type BatchMessage struct {
	SenderId   string    `json:"sender_id"`
	ReceiverId string    `json:"receiver_id"`
	Body       string    `json:"body"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

// HistoryBatch is one server-delivered page of message history
type HistoryBatch struct {
	ConversationId string         `json:"conversation_id"`
	EndTime        time.Time      `json:"end_time"`
	Messages       []BatchMessage `json:"messages"`
}

// Flatten expands a batch into messages, stamping each record with the
// batch's conversation id and defaulting a missing per-message timestamp to
// the batch end time. Historical messages are already delivered, so they
// come out confirmed.
func (b *HistoryBatch) Flatten() []Message {
	out := make([]Message, 0, len(b.Messages))
	for _, raw := range b.Messages {
		ts := raw.Timestamp
		if ts.IsZero() {
			ts = b.EndTime
		}
		out = append(out, Message{
			ConversationId: b.ConversationId,
			SenderId:       raw.SenderId,
			ReceiverId:     raw.ReceiverId,
			Body:           raw.Body,
			Timestamp:      ts,
			Status:         StatusConfirmed,
		})
	}
	return out
}

// FlattenBatches flattens a page list in delivery order
func FlattenBatches(batches []HistoryBatch) []Message {
	var out []Message
	for i := range batches {
		out = append(out, batches[i].Flatten()...)
	}
	return out
}
