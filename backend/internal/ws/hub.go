package ws

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

const relayChannelPrefix = "sync:bcast:"

// relayEnvelope 是跨实例转发的信封。Origin 用来跳过自己发布的回声。
type relayEnvelope struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Exclude string          `json:"exclude,omitempty"`
}

// Hub 实现 collab.Broadcast：本地房间扇出 + Redis Pub/Sub 跨实例转发。
// rooms 只是本进程的连接注册表，不是共享状态：可变协作状态
// 全部在 Redis 里，房间表丢了重连即恢复。
type Hub struct {
	instanceID string
	rdb        *redis.Client // 可为 nil（单实例 / 测试）

	// 读写锁保护 rooms；加入/离开/广播都要先拿锁。
	mu sync.RWMutex
	// room -> set of connections
	// 房间里存连接不存 userID：一个用户可开多个标签页（多连接），
	// 广播要逐连接发。
	rooms map[string]map[*Conn]struct{}
}

func NewHub(instanceID string, rdb *redis.Client) *Hub {
	return &Hub{
		instanceID: instanceID,
		rdb:        rdb,
		rooms:      make(map[string]map[*Conn]struct{}),
	}
}

// Join 将连接加入指定房间。
func (h *Hub) Join(room string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Conn]struct{})
	}
	h.rooms[room][c] = struct{}{}
}

// Leave 将连接从指定房间移除。
func (h *Hub) Leave(room string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[room]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, room)
		}
	}
}

// LeaveAll 在连接断开时把它从所有房间摘掉。
func (h *Hub) LeaveAll(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room, conns := range h.rooms {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) Emit(room, event string, payload any) {
	h.deliverLocal(room, event, payload, "")
	h.publish(room, event, payload, "")
}

func (h *Hub) EmitExcept(room, event string, payload any, excludeConnectionID string) {
	h.deliverLocal(room, event, payload, excludeConnectionID)
	h.publish(room, event, payload, excludeConnectionID)
}

func (h *Hub) deliverLocal(room, event string, payload any, excludeConnID string) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	msg := EventMessage{Type: event, Room: room, Payload: payload}
	for _, c := range conns {
		if excludeConnID != "" && c.connID == excludeConnID {
			continue
		}
		c.Enqueue(msg)
	}
}

func (h *Hub) publish(room, event string, payload any, excludeConnID string) {
	if h.rdb == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("hub publish marshal failed room=%s event=%s err=%v", room, event, err)
		return
	}
	env := relayEnvelope{
		Origin:  h.instanceID,
		Room:    room,
		Event:   event,
		Payload: raw,
		Exclude: excludeConnID,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := h.rdb.Publish(context.Background(), relayChannelPrefix+room, b).Err(); err != nil {
		log.Printf("hub publish failed room=%s event=%s err=%v", room, event, err)
	}
}

// RunRelay 订阅其他实例的广播并在本地重放，阻塞到 ctx 取消。
// 排除的 connectionId 属于发布实例，本实例照常按 id 匹配跳过
// （连接 id 全局唯一，不会误伤）。
func (h *Hub) RunRelay(ctx context.Context) {
	if h.rdb == nil {
		return
	}
	pubsub := h.rdb.PSubscribe(ctx, relayChannelPrefix+"*")
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("hub relay: bad envelope err=%v", err)
				continue
			}
			if env.Origin == h.instanceID {
				continue
			}
			room := strings.TrimPrefix(msg.Channel, relayChannelPrefix)
			h.deliverLocal(room, env.Event, env.Payload, env.Exclude)
		case <-ctx.Done():
			return
		}
	}
}
