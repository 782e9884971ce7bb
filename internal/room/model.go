package room

import (
	"fmt"
	"time"
)

// Kind 房间类型；friend 房间不走匹配，直接创建
type Kind string

const (
	KindRandom Kind = "random"
	KindFriend Kind = "friend"
)

// Status 房间生命周期状态机：waiting -> active -> closed
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
)

// GenderPolicy 成员性别匹配策略，建房时固定，之后不可更改
type GenderPolicy string

const (
	PolicyAny      GenderPolicy = "any"
	PolicySame     GenderPolicy = "same"
	PolicyOpposite GenderPolicy = "opposite"
)

// ParsePolicy 在边界处拒绝未知策略值，而不是留到匹配阶段才发现
func ParsePolicy(s string) (GenderPolicy, error) {
	switch GenderPolicy(s) {
	case PolicyAny, PolicySame, PolicyOpposite:
		return GenderPolicy(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
	}
}

// 随机房容量上下限
const (
	MinCapacity = 2
	MaxCapacity = 5
)

// Occupant 房间内的一名成员；性别在加入时快照，供后续匹配判定
type Occupant struct {
	UserID string `json:"userId"`
	Gender string `json:"gender"`
}

// Room 房间记录；Occupants/Status 只允许通过目录的 CAS 原语修改
type Room struct {
	ID        string
	Kind      Kind
	Capacity  int
	Policy    GenderPolicy
	Status    Status
	Occupants []Occupant
	Version   int64 // 乐观并发控制的版本号，每次成功写入 +1
	CreatedAt time.Time
}

// Full 是否已满员
func (r *Room) Full() bool {
	return len(r.Occupants) >= r.Capacity
}

// Has 用户是否是该房间成员
func (r *Room) Has(userID string) bool {
	for _, o := range r.Occupants {
		if o.UserID == userID {
			return true
		}
	}
	return false
}

// OccupantIDs 按加入顺序返回成员 ID
func (r *Room) OccupantIDs() []string {
	ids := make([]string, 0, len(r.Occupants))
	for _, o := range r.Occupants {
		ids = append(ids, o.UserID)
	}
	return ids
}

// Clone 深拷贝，避免调用方拿到内部切片后产生数据竞争
func (r *Room) Clone() *Room {
	cp := *r
	cp.Occupants = append([]Occupant(nil), r.Occupants...)
	return &cp
}

// JoinRequest 前端提交的匹配请求
type JoinRequest struct {
	UserID        string `json:"userId" binding:"required"`
	Capacity      int    `json:"capacity" binding:"required"` // 2~5
	MatchedGender string `json:"matchedGender" binding:"required"`
}

// JoinSnapshotResponse 匹配成功后返回的房间快照
type JoinSnapshotResponse struct {
	RoomID    string   `json:"roomId"`
	Occupants []string `json:"occupants"`
	Status    Status   `json:"status"`
}

// LeaveRequest 退出当前房间
type LeaveRequest struct {
	UserID string `json:"userId" binding:"required"`
}
