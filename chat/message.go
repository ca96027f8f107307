package chat

import (
	"sort"
	"time"
)

// DeliveryStatus tracks the per-message send lifecycle
type DeliveryStatus string

// Delivery statuses
const (
	StatusPending   DeliveryStatus = "pending"
	StatusConfirmed DeliveryStatus = "confirmed"
	StatusFailed    DeliveryStatus = "failed"
)

// Message represents a single chat message.
//
// Id is locally generated for just-sent messages and is only stable for the
// send/ack round-trip; history may report the same message under a server id.
// Logical identity for merging is therefore the (Timestamp, Body) pair — a
// deliberate tradeoff that relies on high-resolution timestamps and accepts a
// theoretical collision between distinct messages carrying identical text in
// the same instant.
type Message struct {
	Id             string         `json:"id"`
	ConversationId string         `json:"conversation_id"`
	SenderId       string         `json:"sender_id"`
	ReceiverId     string         `json:"receiver_id"`
	Body           string         `json:"body"`
	Timestamp      time.Time      `json:"timestamp"`
	Status         DeliveryStatus `json:"status"`
}

// Key is the dedup identity of a message
type Key struct {
	Timestamp int64
	Body      string
}

// DedupKey returns the logical identity used when merging sources
func (m *Message) DedupKey() Key {
	return Key{Timestamp: m.Timestamp.UnixNano(), Body: m.Body}
}

// Dedup collapses messages sharing a (timestamp, body) pair, keeping the
// first occurrence's metadata. Input order is preserved.
func Dedup(msgs []Message) []Message {
	seen := make(map[Key]struct{}, len(msgs))
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		k := m.DedupKey()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, m)
	}
	return out
}

// SortByTimestamp stably orders messages by creation time so merge
// correctness does not depend on each source being pre-sorted.
// Equal stamps keep their relative order.
func SortByTimestamp(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}
