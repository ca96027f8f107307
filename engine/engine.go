// Package engine reconciles one conversation's message list from three
// sources: the local cache (fast path), REST history (authoritative path) and
// the live channel (real-time path).
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mbeoliero/kit/log"

	"github.com/openrides/chatsync/cache"
	"github.com/openrides/chatsync/chat"
	"github.com/openrides/chatsync/live"
	"github.com/openrides/chatsync/pkg/errcode"
	"github.com/openrides/chatsync/pkg/idgen"
)

// HistoryFetcher retrieves historical batches for a participant pair
type HistoryFetcher interface {
	Fetch(ctx context.Context, userId, peerId string) ([]chat.HistoryBatch, error)
}

// LiveChannel is the engine's view of the live connection
type LiveChannel interface {
	Join(ctx context.Context, conversationId string) error
	Leave(ctx context.Context, conversationId string) error
	Send(ctx context.Context, msg chat.Message, ack live.AckFunc) error
	OnReceive(h live.ReceiveFunc)
}

// State is the conversation-level error state surfaced to the presentation
// layer. Per-message send failures are carried on the message itself.
type State string

// Conversation states
const (
	StateOK          State = "ok"
	StateEmpty       State = "empty"       // no history exists; a valid state
	StateUnavailable State = "unavailable" // history fetch failed; reopen retries
)

// Snapshot is the engine's public state, consumed by the presentation layer
type Snapshot struct {
	Messages []chat.Message
	Draft    string
	Loading  bool
	State    State
}

// UpdateFunc is notified after every state change with a fresh snapshot
type UpdateFunc func(Snapshot)

// Engine owns the authoritative in-memory message list for one open
// conversation. The cache is a durable mirror, never a competing source of
// truth: on conflict, in-memory state wins and is what gets persisted.
type Engine struct {
	mu             sync.Mutex
	userId         string
	peerId         string
	conversationId string

	fetcher HistoryFetcher
	channel LiveChannel
	store   cache.Store
	gen     idgen.IDGenerator

	msgs     []chat.Message
	index    map[chat.Key]struct{}
	draft    string
	loading  bool
	state    State
	closed   bool
	onUpdate UpdateFunc
}

// Option is a function to configure the engine
type Option func(*Engine)

// WithIDGenerator sets the generator for local message ids
func WithIDGenerator(gen idgen.IDGenerator) Option {
	return func(e *Engine) {
		e.gen = gen
	}
}

// WithOnUpdate sets the snapshot callback. It is invoked outside the
// engine's lock, so the handler may call back into the engine.
func WithOnUpdate(h UpdateFunc) Option {
	return func(e *Engine) {
		e.onUpdate = h
	}
}

// New creates an engine for the conversation between userId and peerId.
// store may be nil, which degrades to history-only loads.
func New(userId, peerId string, fetcher HistoryFetcher, channel LiveChannel, store cache.Store, opts ...Option) (*Engine, error) {
	if userId == "" || peerId == "" {
		return nil, errcode.ErrInvalidParam
	}
	if fetcher == nil || channel == nil {
		return nil, errcode.ErrInvalidParam
	}

	e := &Engine{
		userId:         userId,
		peerId:         peerId,
		conversationId: chat.ConversationId(userId, peerId),
		fetcher:        fetcher,
		channel:        channel,
		store:          store,
		index:          make(map[chat.Key]struct{}),
		state:          StateOK,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.gen == nil {
		gen, err := idgen.GetDefaultGenerator()
		if err != nil {
			return nil, err
		}
		e.gen = gen
	}

	return e, nil
}

// ConversationId returns the derived conversation key
func (e *Engine) ConversationId() string {
	return e.conversationId
}

// Open loads the conversation: cache first for an immediate snapshot, then
// live subscription, then the authoritative history fetch. Live messages
// arriving mid-fetch are layered in and deduplicated against history when it
// lands. A fetch that resolves after Close is discarded.
func (e *Engine) Open(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errcode.ErrEngineClosed
	}
	e.loading = true
	e.mu.Unlock()

	e.loadCache(ctx)
	e.notify()

	e.channel.OnReceive(e.handleReceive)
	if err := e.channel.Join(ctx, e.conversationId); err != nil {
		log.CtxWarn(ctx, "join failed, continuing without live updates: conversation_id=%s, error=%v", e.conversationId, err)
	}

	batches, err := e.fetcher.Fetch(ctx, e.userId, e.peerId)

	e.mu.Lock()
	if e.closed {
		// view torn down while the fetch was in flight; drop the result
		e.mu.Unlock()
		log.CtxDebug(ctx, "discarding history for closed engine: conversation_id=%s", e.conversationId)
		return nil
	}
	e.loading = false

	switch {
	case err == nil:
		e.mergeLocked(chat.FlattenBatches(batches))
		e.state = StateOK
	case errors.Is(err, errcode.ErrNoHistory):
		if len(e.msgs) == 0 {
			e.state = StateEmpty
		} else {
			e.state = StateOK
		}
	default:
		// cached messages stay visible; reopening the view retries
		log.CtxWarn(ctx, "history unavailable: conversation_id=%s, error=%v", e.conversationId, err)
		e.state = StateUnavailable
	}
	e.persistLocked(ctx)
	e.mu.Unlock()

	e.notify()
	return nil
}

// loadCache seeds the list from the durable mirror. Best-effort: a cache
// outage degrades to a history-only load.
func (e *Engine) loadCache(ctx context.Context) {
	if e.store == nil {
		return
	}
	cached, err := e.store.Load(ctx, e.conversationId)
	if err != nil {
		log.CtxWarn(ctx, "cache load failed, starting from history: conversation_id=%s, error=%v", e.conversationId, err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.mergeLocked(cached)
}

// mergeLocked folds incoming messages into the list: concatenate, sort by
// timestamp, collapse (timestamp, body) duplicates keeping the first
// occurrence's metadata. Callers hold e.mu.
func (e *Engine) mergeLocked(incoming []chat.Message) {
	if len(incoming) == 0 {
		return
	}
	merged := make([]chat.Message, 0, len(e.msgs)+len(incoming))
	merged = append(merged, e.msgs...)
	merged = append(merged, incoming...)
	chat.SortByTimestamp(merged)
	merged = chat.Dedup(merged)

	e.msgs = merged
	e.index = make(map[chat.Key]struct{}, len(merged))
	for i := range merged {
		e.index[merged[i].DedupKey()] = struct{}{}
	}
}

// Send optimistically appends a pending message, persists, and transmits it
// over the live channel. The acknowledgement flips the message to confirmed
// or failed, matched by its local id.
func (e *Engine) Send(ctx context.Context, body string) (chat.Message, error) {
	if body == "" {
		return chat.Message{}, errcode.ErrInvalidParam
	}

	id, err := e.gen.NextID()
	if err != nil {
		return chat.Message{}, errcode.ErrInternalServer.Wrap(err)
	}

	msg := chat.Message{
		Id:             id,
		ConversationId: e.conversationId,
		SenderId:       e.userId,
		ReceiverId:     e.peerId,
		Body:           body,
		Timestamp:      time.Now(),
		Status:         chat.StatusPending,
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return chat.Message{}, errcode.ErrEngineClosed
	}
	e.msgs = append(e.msgs, msg)
	e.index[msg.DedupKey()] = struct{}{}
	e.draft = ""
	if e.state == StateEmpty {
		e.state = StateOK
	}
	e.persistLocked(ctx)
	e.mu.Unlock()

	e.notify()
	e.transmit(ctx, msg)
	return msg, nil
}

// Resend retries a failed message on user action, reusing its local id so
// the ack round-trip stays keyed the same way.
func (e *Engine) Resend(ctx context.Context, id string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errcode.ErrEngineClosed
	}
	var msg chat.Message
	found := false
	for i := range e.msgs {
		if e.msgs[i].Id == id {
			if e.msgs[i].Status != chat.StatusFailed {
				e.mu.Unlock()
				return errcode.ErrNotResendable
			}
			e.msgs[i].Status = chat.StatusPending
			msg = e.msgs[i]
			found = true
			break
		}
	}
	if !found {
		e.mu.Unlock()
		return errcode.ErrInvalidParam
	}
	e.persistLocked(ctx)
	e.mu.Unlock()

	e.notify()
	e.transmit(ctx, msg)
	return nil
}

// transmit hands a message to the live channel. A transport-level refusal is
// an explicit failure, same as a negative acknowledgement.
func (e *Engine) transmit(ctx context.Context, msg chat.Message) {
	err := e.channel.Send(ctx, msg, func(ok bool) {
		e.handleAck(ctx, msg.Id, ok)
	})
	if err != nil {
		log.CtxWarn(ctx, "send failed: msg_id=%s, error=%v", msg.Id, err)
		e.handleAck(ctx, msg.Id, false)
	}
}

// handleAck applies a delivery acknowledgement to the matching pending
// message. Confirmed and failed are terminal for the round-trip; a failed
// message stays in the list and can be resent.
func (e *Engine) handleAck(ctx context.Context, id string, ok bool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	changed := false
	for i := range e.msgs {
		if e.msgs[i].Id == id && e.msgs[i].Status == chat.StatusPending {
			if ok {
				e.msgs[i].Status = chat.StatusConfirmed
			} else {
				e.msgs[i].Status = chat.StatusFailed
			}
			changed = true
			break
		}
	}
	if changed {
		e.persistLocked(ctx)
	}
	e.mu.Unlock()

	if changed {
		e.notify()
	}
}

// handleReceive applies one live pushed message. Own echoes are dropped (the
// optimistic insert already covers them) and duplicates are collapsed by
// (timestamp, body); peer messages are inherently already delivered.
func (e *Engine) handleReceive(msg chat.Message) {
	ctx := context.Background()

	if msg.SenderId == e.userId {
		log.CtxDebug(ctx, "dropping own echo: msg_id=%s", msg.Id)
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if _, dup := e.index[msg.DedupKey()]; dup {
		e.mu.Unlock()
		log.CtxDebug(ctx, "dropping duplicate live message: msg_id=%s", msg.Id)
		return
	}
	msg.Status = chat.StatusConfirmed
	e.msgs = append(e.msgs, msg)
	e.index[msg.DedupKey()] = struct{}{}
	if e.state == StateEmpty {
		e.state = StateOK
	}
	e.persistLocked(ctx)
	e.mu.Unlock()

	e.notify()
}

// persistLocked mirrors the current list to the cache. Best-effort: failures
// are logged and swallowed. Callers hold e.mu.
func (e *Engine) persistLocked(ctx context.Context) {
	if e.store == nil {
		return
	}
	msgs := make([]chat.Message, len(e.msgs))
	copy(msgs, e.msgs)
	if err := e.store.Save(ctx, e.conversationId, msgs); err != nil {
		log.CtxWarn(ctx, "cache save failed: conversation_id=%s, error=%v", e.conversationId, err)
	}
}

// SetDraft stores the in-progress composer text
func (e *Engine) SetDraft(text string) {
	e.mu.Lock()
	e.draft = text
	e.mu.Unlock()
	e.notify()
}

// Snapshot returns a copy of the engine's public state
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Messages returns a copy of the reconciled message list
func (e *Engine) Messages() []chat.Message {
	return e.Snapshot().Messages
}

func (e *Engine) snapshotLocked() Snapshot {
	msgs := make([]chat.Message, len(e.msgs))
	copy(msgs, e.msgs)
	return Snapshot{
		Messages: msgs,
		Draft:    e.draft,
		Loading:  e.loading,
		State:    e.state,
	}
}

// notify delivers a fresh snapshot to the update handler, outside the lock
func (e *Engine) notify() {
	e.mu.Lock()
	h := e.onUpdate
	if h == nil || e.closed {
		e.mu.Unlock()
		return
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()

	h(snap)
}

// Close tears down the conversation view: leaves the room and marks the
// engine closed so late fetch results and acks are discarded. The live
// channel itself belongs to the caller and stays open.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if err := e.channel.Leave(ctx, e.conversationId); err != nil {
		log.CtxWarn(ctx, "leave failed: conversation_id=%s, error=%v", e.conversationId, err)
	}
	return nil
}
