package websocket

import (
	"log"
	"sync"
)

type HubInterface interface {
	Subscribe(roomID, userID string)
	Unsubscribe(roomID, userID string)
	BroadcastToUsers(userIDs []string, msg OutgoingMessage)
	BroadcastToRoom(roomID string, msg OutgoingMessage)
	SendToUser(userID string, msg OutgoingMessage)
	Close()
}

type Hub struct {
	clients    map[string]*Client             // userID -> client
	rooms      map[string]map[string]struct{} // roomID -> set(userID)
	register   chan *Client
	unregister chan *Client
	broadcast  chan broadcastReq
	roomcast   chan roomcastReq
	sendOne    chan sendReq
	subscribe  chan subReq
	incoming   chan IncomingMessage
	OnIncoming func(IncomingMessage)
	quit       chan struct{}
	mu         sync.RWMutex
}

type broadcastReq struct {
	UserIDs []string
	Message OutgoingMessage
}

type roomcastReq struct {
	RoomID  string
	Message OutgoingMessage
}

type sendReq struct {
	UserID  string
	Message OutgoingMessage
}

type subReq struct {
	RoomID string
	UserID string
	Leave  bool
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		rooms:      make(map[string]map[string]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan broadcastReq),
		roomcast:   make(chan roomcastReq),
		sendOne:    make(chan sendReq),
		subscribe:  make(chan subReq),
		incoming:   make(chan IncomingMessage),
		quit:       make(chan struct{}),
	}
}

func (h *Hub) Run() {

	log.Println("Hub started")

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.UserID] = c
			log.Printf("Hub.register -> %s (当前连接数: %d)", c.UserID, len(h.clients))
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.UserID]; ok {
				delete(h.clients, c.UserID)
				log.Printf("Hub.unregister -> %s (当前连接数: %d)", c.UserID, len(h.clients))
				close(c.Send)
			}
			h.mu.Unlock()

		case req := <-h.subscribe:
			if req.Leave {
				if members, ok := h.rooms[req.RoomID]; ok {
					delete(members, req.UserID)
					if len(members) == 0 {
						delete(h.rooms, req.RoomID)
					}
				}
			} else {
				if _, ok := h.rooms[req.RoomID]; !ok {
					h.rooms[req.RoomID] = make(map[string]struct{})
				}
				h.rooms[req.RoomID][req.UserID] = struct{}{}
			}

		case req := <-h.broadcast:
			for _, id := range req.UserIDs {
				if client, ok := h.clients[id]; ok {
					h.deliver(client, req.Message)
				}
			}

		case req := <-h.roomcast:
			for id := range h.rooms[req.RoomID] {
				if client, ok := h.clients[id]; ok {
					h.deliver(client, req.Message)
				}
			}

		case req := <-h.sendOne:
			if client, ok := h.clients[req.UserID]; ok {
				h.deliver(client, req.Message)
			}

		case req := <-h.incoming:
			// 成员消息统一交给上层（聊天转发等）
			if h.OnIncoming != nil {
				h.OnIncoming(req)
			}

		case <-h.quit:
			for _, c := range h.clients {
				close(c.Send)
			}
			return
		}
	}
}

// deliver 不阻塞 Hub 主循环；慢客户端丢弃消息
func (h *Hub) deliver(c *Client, msg OutgoingMessage) {
	select {
	case c.Send <- msg:
	default:
	}
}

// Subscribe 将用户订阅到房间的消息投递
func (h *Hub) Subscribe(roomID, userID string) {
	h.subscribe <- subReq{RoomID: roomID, UserID: userID}
}

// Unsubscribe 退出房间订阅
func (h *Hub) Unsubscribe(roomID, userID string) {
	h.subscribe <- subReq{RoomID: roomID, UserID: userID, Leave: true}
}

// BroadcastToUsers 向一组用户广播
func (h *Hub) BroadcastToUsers(userIDs []string, msg OutgoingMessage) {
	h.broadcast <- broadcastReq{
		UserIDs: userIDs,
		Message: msg,
	}
}

// BroadcastToRoom 向房间内全部订阅者广播
func (h *Hub) BroadcastToRoom(roomID string, msg OutgoingMessage) {
	h.roomcast <- roomcastReq{
		RoomID:  roomID,
		Message: msg,
	}
}

// SendToUser 定向发送单个用户
func (h *Hub) SendToUser(userID string, msg OutgoingMessage) {
	h.sendOne <- sendReq{
		UserID:  userID,
		Message: msg,
	}
}

// ClientByUser 按用户 ID 查连接
func (h *Hub) ClientByUser(userID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[userID]
	return c, ok
}

func (h *Hub) Close() {
	close(h.quit)
}
