package ws

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"boardsync/backend/internal/collab"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Services 聚合网关要分发到的四个协作组件。
type Services struct {
	Presence    *collab.PresenceRegistry
	Cursors     *collab.CursorBroadcaster
	Locks       *collab.FieldLockManager
	Transformer *collab.OperationTransformer
}

// Conn 是一条已鉴权的客户端连接。网关层只做帧到组件的映射，
// 算法职责全部在 collab 包里。
type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	connID   string
	userID   string
	username string
	svc      Services
	sem      *collab.SemaphoreControl

	// sendMu 守护 send 的关闭状态。广播方（别人的读循环、
	// 清扫器、跨实例转发）随时会入队，和本连接的收尾并发；
	// 关闭后入队静默丢弃，send 永远不会在有发送方时被关。
	sendMu     sync.Mutex
	sendClosed bool
	send       chan OutboundMessage
	// 本连接加入过的文档房间（只在 readLoop 协程里读写）。
	docs map[string]struct{}
}

func NewConn(ws *websocket.Conn, hub *Hub, userID, username string, svc Services, sem *collab.SemaphoreControl) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		connID:   uuid.NewString(),
		userID:   userID,
		username: username,
		svc:      svc,
		sem:      sem,
		send:     make(chan OutboundMessage, 32),
		docs:     make(map[string]struct{}),
	}
}

func (c *Conn) ConnectionID() string { return c.connID }

// Enqueue 非阻塞入队；队列满了丢弃（慢消费者自己掉帧，不拖慢别人），
// 连接已收尾则静默丢弃。
func (c *Conn) Enqueue(msg OutboundMessage) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// closeSend 收尾出站队列，此后 Enqueue 变为 no-op，writeLoop 随之退出。
// 重复调用安全。
func (c *Conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

func (c *Conn) session(docID string) collab.Session {
	return collab.Session{
		UserID:       c.userID,
		DocumentID:   docID,
		DisplayName:  c.username,
		ConnectionID: c.connID,
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.closeSend()
	defer c.cleanup()

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			log.Printf("read json error (user=%s conn=%s): %v", c.userID, c.connID, err)
			return
		}

		switch msg.Type {
		case "join_document":
			if msg.DocumentID == "" {
				c.Enqueue(ServerMessage{Type: "error", Content: "missing documentId"})
				continue
			}
			// 先进房间再登记，保证自己也能收到这次 presence_updated
			c.hub.Join(collab.DocRoom(msg.DocumentID), c)
			c.docs[msg.DocumentID] = struct{}{}
			roster, err := c.svc.Presence.Join(ctx, c.session(msg.DocumentID))
			if err != nil {
				c.Enqueue(ServerMessage{Type: "error", Content: "JOIN_FAILED"})
				continue
			}
			c.Enqueue(ServerMessage{Type: "ack", DocumentID: msg.DocumentID, Roster: roster})

		case "leave_document":
			_ = c.svc.Presence.Leave(ctx, msg.DocumentID, c.userID)
			c.hub.Leave(collab.DocRoom(msg.DocumentID), c)
			delete(c.docs, msg.DocumentID)
			c.Enqueue(ServerMessage{Type: "ack", DocumentID: msg.DocumentID})

		case "join_item":
			c.hub.Join(collab.ItemRoom(msg.ItemID), c)
			c.Enqueue(ServerMessage{Type: "ack"})

		case "leave_item":
			c.hub.Leave(collab.ItemRoom(msg.ItemID), c)
			c.Enqueue(ServerMessage{Type: "ack"})

		case "heartbeat":
			if err := c.svc.Presence.Refresh(ctx, msg.DocumentID, c.userID, nil); err != nil {
				log.Printf("heartbeat refresh failed doc=%s user=%s err=%v", msg.DocumentID, c.userID, err)
			}
			c.Enqueue(ServerMessage{Type: "feedback", Content: "Heartbeat received"})

		case "update_state":
			if err := c.svc.Presence.Refresh(ctx, msg.DocumentID, c.userID, msg.CustomState); err != nil {
				log.Printf("update_state failed doc=%s user=%s err=%v", msg.DocumentID, c.userID, err)
			}

		case "show_roster":
			roster, err := c.svc.Presence.Roster(ctx, msg.DocumentID)
			if err != nil {
				c.Enqueue(ServerMessage{Type: "error", Content: "ROSTER_FAILED"})
				continue
			}
			c.Enqueue(ServerMessage{Type: "show_roster", DocumentID: msg.DocumentID, Roster: roster})

		case "cursor_update":
			cursor := collab.CursorState{
				X:         msg.X,
				Y:         msg.Y,
				ItemID:    msg.ItemID,
				Field:     msg.Field,
				Selection: msg.Selection,
			}
			_ = c.svc.Cursors.Update(ctx, c.session(msg.DocumentID), cursor)

		case "lock_field":
			target := collab.Target{ItemID: msg.ItemID, Field: msg.Field}
			res := c.svc.Locks.Acquire(ctx, target, c.userID, c.username,
				time.Duration(msg.DurationMS)*time.Millisecond)
			c.Enqueue(ServerMessage{Type: "lock_result", Lock: &res})

		case "unlock_field":
			target := collab.Target{ItemID: msg.ItemID, Field: msg.Field}
			released := c.svc.Locks.Release(ctx, target, c.userID)
			c.Enqueue(ServerMessage{Type: "unlock_result", Released: &released})

		case "operation":
			if msg.Operation == nil {
				c.Enqueue(ServerMessage{Type: "error", Content: "missing operation"})
				continue
			}
			c.handleOperation(ctx, *msg.Operation)

		default:
			// 未知类型回一条提示，不断连
			c.Enqueue(ServerMessage{Type: "ignored", Content: "Unknown message type"})
		}
	}
}

func (c *Conn) handleOperation(ctx context.Context, op collab.Operation) {
	// authorUserId / issuedAt 以服务端为准
	op.AuthorUserID = c.userID
	op.IssuedAt = time.Now().UnixMilli()
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.ClientID == "" {
		op.ClientID = c.connID
	}

	opCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if err := c.sem.Acquire(opCtx); err != nil {
		c.Enqueue(ServerMessage{Type: "error", Content: "server busy"})
		return
	}
	defer c.sem.Release()

	result, err := c.svc.Transformer.Append(opCtx, op)
	if err != nil {
		if errors.Is(err, collab.ErrUnknownField) {
			// 明确拒绝，客户端据此重新同步
			c.Enqueue(ServerMessage{Type: "operation_rejected", Content: "UNKNOWN_FIELD"})
			return
		}
		log.Printf("operation append failed op=%s user=%s err=%v", op.ID, c.userID, err)
		c.Enqueue(ServerMessage{Type: "error", Content: "OPERATION_FAILED"})
		return
	}
	c.Enqueue(ServerMessage{Type: "operation_ack", Result: &result})
}

// cleanup：断连只触发清理，不回滚任何已追加的操作。
// 尽力而为：摘房间、放掉持有的锁、撤 presence。
func (c *Conn) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.hub.LeaveAll(c)
	c.svc.Locks.ReleaseAll(ctx, c.userID)
	for docID := range c.docs {
		_ = c.svc.Presence.Leave(ctx, docID, c.userID)
	}
}

func (c *Conn) writeLoop() {
	// 持续消费通道里的出站帧直到连接关闭
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}
