// Package live maintains the persistent bidirectional connection used for
// real-time message push and delivery acknowledgement.
package live

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mbeoliero/kit/log"

	"github.com/openrides/chatsync/chat"
	"github.com/openrides/chatsync/pkg/errcode"
)

// AckFunc receives the delivery result of one sent message
type AckFunc func(ok bool)

// ReceiveFunc receives one inbound pushed message
type ReceiveFunc func(msg chat.Message)

// Channel is one live connection to the chat gateway. It is an explicitly
// owned value with an explicit lifecycle — callers decide how long it lives,
// there is no package-level shared connection.
type Channel struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	closed    atomic.Bool
	closedErr error
	acks      map[string]AckFunc // pending acks by local message id, guarded by mu
	onReceive ReceiveFunc
	ctx       context.Context
	cancel    context.CancelFunc
}

// Dial connects to the gateway and starts the read loop.
// Set the receive handler with OnReceive before joining a room.
func Dial(ctx context.Context, url string) (*Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	chCtx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		conn:   conn,
		acks:   make(map[string]AckFunc),
		ctx:    chCtx,
		cancel: cancel,
	}

	go c.readLoop()

	return c, nil
}

// OnReceive sets the handler for inbound pushed messages
func (c *Channel) OnReceive(h ReceiveFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReceive = h
}

// Join enters the logical room for a conversation
func (c *Channel) Join(ctx context.Context, conversationId string) error {
	data, err := Encode(JoinChatData{ConversationId: conversationId})
	if err != nil {
		return err
	}
	log.CtxInfo(ctx, "joining conversation: conversation_id=%s", conversationId)
	return c.writeFrame(Frame{
		Event:       EventJoinChat,
		OperationId: uuid.NewString(),
		Data:        data,
	})
}

// Leave exits the logical room for a conversation
func (c *Channel) Leave(ctx context.Context, conversationId string) error {
	data, err := Encode(JoinChatData{ConversationId: conversationId})
	if err != nil {
		return err
	}
	log.CtxInfo(ctx, "leaving conversation: conversation_id=%s", conversationId)
	return c.writeFrame(Frame{
		Event:       EventLeaveChat,
		OperationId: uuid.NewString(),
		Data:        data,
	})
}

// Send transmits a message and registers ack as the delivery callback for its
// id. The send itself is fire-and-forget; ack fires once when the gateway
// acknowledges, or with ok=false when the channel closes first.
func (c *Channel) Send(ctx context.Context, msg chat.Message, ack AckFunc) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return errcode.ErrConnClosed
	}
	if ack != nil {
		c.acks[msg.Id] = ack
	}
	c.mu.Unlock()

	log.CtxDebug(ctx, "sending message: msg_id=%s, conversation_id=%s", msg.Id, msg.ConversationId)
	return c.writeFrame(Frame{
		Event:       EventSendMessage,
		OperationId: uuid.NewString(),
		MsgId:       msg.Id,
		Data:        data,
	})
}

// readLoop continuously reads frames from the connection
func (c *Channel) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			c.closedErr = errcode.ErrInternalServer
			log.CtxError(c.ctx, "channel read loop panic: %v", r)
		}
		c.Close()
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			log.CtxDebug(c.ctx, "read frame error: %v", err)
			c.closedErr = err
			return
		}

		if c.closed.Load() {
			c.closedErr = errcode.ErrConnClosed
			return
		}

		if err := c.handleFrame(message); err != nil {
			log.CtxWarn(c.ctx, "handle frame error: %v", err)
		}
	}
}

// handleFrame dispatches a single inbound frame
func (c *Channel) handleFrame(message []byte) error {
	var frame Frame
	if err := Decode(message, &frame); err != nil {
		return errcode.ErrInvalidProtocol.Wrap(err)
	}

	switch frame.Event {
	case EventAck:
		c.dispatchAck(frame.MsgId, frame.Ok)
		return nil
	case EventReceiveMessage:
		var msg chat.Message
		if err := Decode(frame.Data, &msg); err != nil {
			return errcode.ErrInvalidProtocol.Wrap(err)
		}
		c.dispatchReceive(msg)
		return nil
	default:
		log.CtxDebug(c.ctx, "ignoring frame: event=%s", frame.Event)
		return nil
	}
}

// dispatchAck fires and removes the pending ack for a message id
func (c *Channel) dispatchAck(msgId string, ok bool) {
	c.mu.Lock()
	ack := c.acks[msgId]
	delete(c.acks, msgId)
	c.mu.Unlock()

	if ack == nil {
		log.CtxDebug(c.ctx, "ack without pending send: msg_id=%s", msgId)
		return
	}
	ack(ok)
}

// dispatchReceive hands an inbound message to the receive handler
func (c *Channel) dispatchReceive(msg chat.Message) {
	c.mu.Lock()
	h := c.onReceive
	c.mu.Unlock()

	if h == nil {
		log.CtxDebug(c.ctx, "inbound message dropped, no handler: msg_id=%s", msg.Id)
		return
	}
	h(msg)
}

// writeFrame writes one frame to the connection
func (c *Channel) writeFrame(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return errcode.ErrConnClosed
	}

	data, err := Encode(frame)
	if err != nil {
		return err
	}

	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close disconnects and fails every pending ack so no send callback leaks
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return nil
	}
	c.closed.Store(true)
	pending := c.acks
	c.acks = make(map[string]AckFunc)
	c.cancel()
	err := c.conn.Close()
	c.mu.Unlock()

	for id, ack := range pending {
		log.CtxDebug(c.ctx, "failing pending ack on close: msg_id=%s", id)
		ack(false)
	}
	return err
}

// IsClosed returns whether the channel is closed
func (c *Channel) IsClosed() bool {
	return c.closed.Load()
}
