package room

import "context"

// Predicate 候选查询条件：waiting 状态的随机房，容量与策略完全一致
type Predicate struct {
	Capacity int
	Policy   GenderPolicy
}

// Directory 定义对房间目录的抽象操作。
// TryJoin / Leave / Close 是仅有的写路径，全部走版本号 CAS。
type Directory interface {
	// Query 返回满足条件且未满员的 waiting 随机房快照
	Query(ctx context.Context, p Predicate) ([]*Room, error)
	// Create 以 waiting 状态、零成员创建一个随机房
	Create(ctx context.Context, capacity int, policy GenderPolicy) (*Room, error)
	// Get 按 ID 读取房间快照
	Get(ctx context.Context, roomID string) (*Room, error)
	// TryJoin 条件加入：版本不符返回 ErrConflict，满员 ErrRoomFull，
	// 非 waiting 返回 ErrRoomClosed；成功时返回更新后的快照
	TryJoin(ctx context.Context, roomID string, occ Occupant, expectedVersion int64) (*Room, error)
	// Leave 条件退出；房间清空时转为 closed
	Leave(ctx context.Context, roomID, userID string, expectedVersion int64) (*Room, error)
	// Close 条件关闭；closed 为终态，重复关闭是幂等的
	Close(ctx context.Context, roomID string, expectedVersion int64) error
	// RoomOf 返回用户当前所在的非 closed 房间 ID；没有则返回 ""
	RoomOf(ctx context.Context, userID string) (string, error)
}
