package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrides/chatsync/chat"
	"github.com/openrides/chatsync/live"
	"github.com/openrides/chatsync/pkg/errcode"
)

type fakeFetcher struct {
	batches []chat.HistoryBatch
	err     error
	gate    chan struct{} // when set, Fetch blocks until the gate closes
}

func (f *fakeFetcher) Fetch(ctx context.Context, userId, peerId string) ([]chat.HistoryBatch, error) {
	if f.gate != nil {
		<-f.gate
	}
	return f.batches, f.err
}

type sentMsg struct {
	msg chat.Message
	ack live.AckFunc
}

type fakeChannel struct {
	mu        sync.Mutex
	joined    []string
	left      []string
	sent      []sentMsg
	sendErr   error
	onReceive live.ReceiveFunc
}

func (c *fakeChannel) Join(ctx context.Context, conversationId string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined = append(c.joined, conversationId)
	return nil
}

func (c *fakeChannel) Leave(ctx context.Context, conversationId string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.left = append(c.left, conversationId)
	return nil
}

func (c *fakeChannel) Send(ctx context.Context, msg chat.Message, ack live.AckFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, sentMsg{msg: msg, ack: ack})
	return nil
}

func (c *fakeChannel) OnReceive(h live.ReceiveFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReceive = h
}

func (c *fakeChannel) push(msg chat.Message) {
	c.mu.Lock()
	h := c.onReceive
	c.mu.Unlock()
	h(msg)
}

func (c *fakeChannel) lastSent(t *testing.T) sentMsg {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.sent, "no message was transmitted")
	return c.sent[len(c.sent)-1]
}

func (c *fakeChannel) sendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fakeStore struct {
	mu      sync.Mutex
	data    map[string][]chat.Message
	loadErr error
	saveErr error
	saves   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string][]chat.Message)}
}

func (s *fakeStore) Load(ctx context.Context, conversationId string) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.data[conversationId], nil
}

func (s *fakeStore) Save(ctx context.Context, conversationId string, msgs []chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.data[conversationId] = msgs
	s.saves++
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) saved(conversationId string) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[conversationId]
}

var baseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func peerMsg(body string, ts time.Time) chat.Message {
	return chat.Message{
		Id:             "srv_" + body,
		ConversationId: "peer_user",
		SenderId:       "peer",
		ReceiverId:     "user",
		Body:           body,
		Timestamp:      ts,
		Status:         chat.StatusConfirmed,
	}
}

func newTestEngine(t *testing.T, fetcher *fakeFetcher, channel *fakeChannel, store *fakeStore) *Engine {
	t.Helper()
	if store == nil {
		eng, err := New("user", "peer", fetcher, channel, nil)
		require.NoError(t, err)
		return eng
	}
	eng, err := New("user", "peer", fetcher, channel, store)
	require.NoError(t, err)
	return eng
}

func TestOpen_MergesCacheAndHistory(t *testing.T) {
	store := newFakeStore()
	store.data["peer_user"] = []chat.Message{peerMsg("cached", baseTime)}

	fetcher := &fakeFetcher{batches: []chat.HistoryBatch{
		{
			ConversationId: "peer_user",
			EndTime:        baseTime.Add(time.Minute),
			Messages: []chat.BatchMessage{
				{SenderId: "peer", ReceiverId: "user", Body: "cached", Timestamp: baseTime}, // dup of cache
				{SenderId: "peer", ReceiverId: "user", Body: "newer", Timestamp: baseTime.Add(time.Minute)},
				{SenderId: "peer", ReceiverId: "user", Body: "older", Timestamp: baseTime.Add(-time.Minute)},
			},
		},
	}}
	channel := &fakeChannel{}

	eng := newTestEngine(t, fetcher, channel, store)
	require.NoError(t, eng.Open(context.Background()))

	snap := eng.Snapshot()
	require.Len(t, snap.Messages, 3)
	assert.Equal(t, StateOK, snap.State)
	assert.False(t, snap.Loading)

	// merged list is time-ordered regardless of source order
	assert.Equal(t, "older", snap.Messages[0].Body)
	assert.Equal(t, "cached", snap.Messages[1].Body)
	assert.Equal(t, "newer", snap.Messages[2].Body)

	// room joined and reconciled result mirrored to cache
	assert.Equal(t, []string{"peer_user"}, channel.joined)
	assert.Len(t, store.saved("peer_user"), 3)
}

func TestOpen_DedupIdempotence(t *testing.T) {
	batch := chat.HistoryBatch{
		ConversationId: "peer_user",
		EndTime:        baseTime,
		Messages: []chat.BatchMessage{
			{SenderId: "peer", ReceiverId: "user", Body: "hi", Timestamp: baseTime},
			{SenderId: "peer", ReceiverId: "user", Body: "there", Timestamp: baseTime.Add(time.Second)},
		},
	}
	// the same batch delivered twice must collapse to one copy of each message
	fetcher := &fakeFetcher{batches: []chat.HistoryBatch{batch, batch}}

	eng := newTestEngine(t, fetcher, &fakeChannel{}, newFakeStore())
	require.NoError(t, eng.Open(context.Background()))

	require.Len(t, eng.Messages(), 2)
}

func TestOpen_NoHistory(t *testing.T) {
	fetcher := &fakeFetcher{err: errcode.ErrNoHistory}
	eng := newTestEngine(t, fetcher, &fakeChannel{}, newFakeStore())
	require.NoError(t, eng.Open(context.Background()))

	snap := eng.Snapshot()
	assert.Empty(t, snap.Messages)
	assert.Equal(t, StateEmpty, snap.State)
}

func TestOpen_HistoryUnavailable(t *testing.T) {
	store := newFakeStore()
	store.data["peer_user"] = []chat.Message{peerMsg("cached", baseTime)}
	fetcher := &fakeFetcher{err: errcode.ErrHistoryUnavailable.Wrap(errors.New("boom"))}

	eng := newTestEngine(t, fetcher, &fakeChannel{}, store)
	require.NoError(t, eng.Open(context.Background()))

	snap := eng.Snapshot()
	assert.Equal(t, StateUnavailable, snap.State)
	// cached messages stay visible through the outage
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "cached", snap.Messages[0].Body)
}

func TestOpen_CacheLoadFailureDegradesToHistory(t *testing.T) {
	store := newFakeStore()
	store.loadErr = errors.New("disk gone")
	fetcher := &fakeFetcher{batches: []chat.HistoryBatch{
		{
			ConversationId: "peer_user",
			EndTime:        baseTime,
			Messages:       []chat.BatchMessage{{SenderId: "peer", ReceiverId: "user", Body: "hi"}},
		},
	}}

	eng := newTestEngine(t, fetcher, &fakeChannel{}, store)
	require.NoError(t, eng.Open(context.Background()))

	snap := eng.Snapshot()
	assert.Equal(t, StateOK, snap.State)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "hi", snap.Messages[0].Body)
}

func TestSend_OptimisticThenConfirm(t *testing.T) {
	store := newFakeStore()
	channel := &fakeChannel{}
	eng := newTestEngine(t, &fakeFetcher{}, channel, store)
	require.NoError(t, eng.Open(context.Background()))

	sent, err := eng.Send(context.Background(), "hello")
	require.NoError(t, err)
	require.NotEmpty(t, sent.Id)

	// exactly one pending entry, persisted synchronously
	msgs := eng.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.StatusPending, msgs[0].Status)
	assert.Equal(t, "user", msgs[0].SenderId)
	require.Len(t, store.saved("peer_user"), 1)

	// positive acknowledgement flips it to confirmed without a second entry
	channel.lastSent(t).ack(true)
	msgs = eng.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.StatusConfirmed, msgs[0].Status)
}

func TestSend_NegativeAckKeepsMessage(t *testing.T) {
	channel := &fakeChannel{}
	eng := newTestEngine(t, &fakeFetcher{}, channel, newFakeStore())
	require.NoError(t, eng.Open(context.Background()))

	sent, err := eng.Send(context.Background(), "hello")
	require.NoError(t, err)

	channel.lastSent(t).ack(false)

	msgs := eng.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, sent.Id, msgs[0].Id)
	assert.Equal(t, chat.StatusFailed, msgs[0].Status)
}

func TestSend_TransportErrorFailsMessage(t *testing.T) {
	channel := &fakeChannel{sendErr: errcode.ErrConnClosed}
	eng := newTestEngine(t, &fakeFetcher{}, channel, newFakeStore())
	require.NoError(t, eng.Open(context.Background()))

	_, err := eng.Send(context.Background(), "hello")
	require.NoError(t, err) // optimistic insert succeeds either way

	msgs := eng.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.StatusFailed, msgs[0].Status)
}

func TestResend_FailedToPending(t *testing.T) {
	channel := &fakeChannel{}
	eng := newTestEngine(t, &fakeFetcher{}, channel, newFakeStore())
	require.NoError(t, eng.Open(context.Background()))

	sent, err := eng.Send(context.Background(), "hello")
	require.NoError(t, err)
	channel.lastSent(t).ack(false)

	require.NoError(t, eng.Resend(context.Background(), sent.Id))

	msgs := eng.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.StatusPending, msgs[0].Status)
	assert.Equal(t, 2, channel.sendCount())

	// the retry confirms under the same id
	channel.lastSent(t).ack(true)
	assert.Equal(t, chat.StatusConfirmed, eng.Messages()[0].Status)
}

func TestResend_RejectsNonFailed(t *testing.T) {
	channel := &fakeChannel{}
	eng := newTestEngine(t, &fakeFetcher{}, channel, newFakeStore())
	require.NoError(t, eng.Open(context.Background()))

	sent, err := eng.Send(context.Background(), "hello")
	require.NoError(t, err)

	err = eng.Resend(context.Background(), sent.Id)
	assert.ErrorIs(t, err, errcode.ErrNotResendable)
}

func TestReceive_SelfEchoSuppressed(t *testing.T) {
	channel := &fakeChannel{}
	eng := newTestEngine(t, &fakeFetcher{}, channel, newFakeStore())
	require.NoError(t, eng.Open(context.Background()))

	echo := chat.Message{
		Id:        "echo",
		SenderId:  "user", // local user's own send bounced back
		Body:      "hello",
		Timestamp: baseTime,
	}
	channel.push(echo)

	assert.Empty(t, eng.Messages())
}

func TestReceive_AppendsAndDedups(t *testing.T) {
	store := newFakeStore()
	channel := &fakeChannel{}
	eng := newTestEngine(t, &fakeFetcher{}, channel, store)
	require.NoError(t, eng.Open(context.Background()))

	incoming := peerMsg("hi", baseTime)
	incoming.Status = "" // gateway payloads carry no status
	channel.push(incoming)

	msgs := eng.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.StatusConfirmed, msgs[0].Status)
	require.Len(t, store.saved("peer_user"), 1)

	// the same (timestamp, body) pair again is dropped
	channel.push(incoming)
	assert.Len(t, eng.Messages(), 1)
}

func TestClose_DiscardsLateFetch(t *testing.T) {
	gate := make(chan struct{})
	store := newFakeStore()
	fetcher := &fakeFetcher{
		gate: gate,
		batches: []chat.HistoryBatch{
			{
				ConversationId: "peer_user",
				EndTime:        baseTime,
				Messages:       []chat.BatchMessage{{SenderId: "peer", ReceiverId: "user", Body: "stale"}},
			},
		},
	}
	channel := &fakeChannel{}
	eng := newTestEngine(t, fetcher, channel, store)

	done := make(chan error, 1)
	go func() {
		done <- eng.Open(context.Background())
	}()

	// close the view while the fetch is still in flight, then let it resolve
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, eng.Close(context.Background()))
	close(gate)

	require.NoError(t, <-done)
	assert.Empty(t, eng.Messages())
	assert.Empty(t, store.saved("peer_user"))
	assert.Equal(t, []string{"peer_user"}, channel.left)
}

func TestClose_RejectsFurtherSends(t *testing.T) {
	eng := newTestEngine(t, &fakeFetcher{}, &fakeChannel{}, newFakeStore())
	require.NoError(t, eng.Open(context.Background()))
	require.NoError(t, eng.Close(context.Background()))

	_, err := eng.Send(context.Background(), "too late")
	assert.ErrorIs(t, err, errcode.ErrEngineClosed)
}

func TestLateAckAfterCloseIsDiscarded(t *testing.T) {
	channel := &fakeChannel{}
	eng := newTestEngine(t, &fakeFetcher{}, channel, newFakeStore())
	require.NoError(t, eng.Open(context.Background()))

	_, err := eng.Send(context.Background(), "hello")
	require.NoError(t, err)
	require.NoError(t, eng.Close(context.Background()))

	// the channel fails pending acks on teardown; a closed engine ignores it
	channel.lastSent(t).ack(false)
	assert.Equal(t, chat.StatusPending, eng.Messages()[0].Status)
}

func TestSetDraft(t *testing.T) {
	var got Snapshot
	eng, err := New("user", "peer", &fakeFetcher{}, &fakeChannel{}, nil,
		WithOnUpdate(func(s Snapshot) { got = s }))
	require.NoError(t, err)

	eng.SetDraft("typing...")
	assert.Equal(t, "typing...", got.Draft)
	assert.Equal(t, "typing...", eng.Snapshot().Draft)
}
