package websocket

// 服务端推送的事件名；匹配层只发这几种，聊天转发原样透传 chat
const (
	EventMatched = "matched" // 匹配成功 / 房间状态变化
	EventLeft    = "left"    // 有成员退出房间
	EventChat    = "chat"    // 房间内聊天消息
)

type OutgoingMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

type IncomingMessage struct {
	From  string      `json:"from"`
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}
