package room

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"randomchat/internal/profile"
	"randomchat/internal/utils"
	"randomchat/internal/websocket"
)

// 单次请求的匹配轮次上限（查候选 + 兜底建房为一轮）
const matchRounds = 3

// Notifier 匹配成功后通知实时通道；投递失败不影响匹配结果
type Notifier interface {
	Subscribe(roomID, userID string)
	BroadcastToUsers(userIDs []string, msg websocket.OutgoingMessage)
}

// Matchmaker 随机聊天匹配编排：查候选 -> 过滤 -> CAS 加入 -> 兜底建房。
type Matchmaker struct {
	dir      Directory
	life     *Lifecycle
	profiles profile.Resolver
	hub      Notifier
	// OnRoomReady 满员转 active 时的回调（开聊、计费等由上层接管）
	OnRoomReady func(*Room)
}

func NewMatchmaker(dir Directory, life *Lifecycle, profiles profile.Resolver, hub Notifier) *Matchmaker {
	return &Matchmaker{dir: dir, life: life, profiles: profiles, hub: hub}
}

// FindOrCreateRoom 为用户找到或创建一个随机房并加入。
// 调用结束时：至多创建一个房间，恰好完成一次成功加入，或返回一个类型化错误。
func (m *Matchmaker) FindOrCreateRoom(ctx context.Context, userID string, capacity int, policy GenderPolicy) (*Room, error) {
	// 任何 I/O 之前的边界校验
	if capacity < MinCapacity || capacity > MaxCapacity {
		return nil, ErrInvalidCapacity
	}
	switch policy {
	case PolicyAny, PolicySame, PolicyOpposite:
	default:
		return nil, ErrInvalidPolicy
	}
	// userId 会进入目录的成员编码与反向索引 key，分隔符字符直接拒绝
	if userID == "" || strings.ContainsAny(userID, "|,") {
		return nil, ErrInvalidUserID
	}

	p, err := m.profiles.Resolve(ctx, userID)
	if errors.Is(err, profile.ErrNotFound) {
		return nil, ErrParticipantUnresolved
	}
	if err != nil {
		return nil, fmt.Errorf("resolve participant: %w", err)
	}

	// ❶ 幂等重入：已在某个非 closed 随机房中的用户直接返回原房间，
	// 不会被二次加入或挪动（请求重放也能回到同一房间）
	if roomID, err := m.dir.RoomOf(ctx, userID); err != nil {
		return nil, err
	} else if roomID != "" {
		r, err := m.dir.Get(ctx, roomID)
		if err == nil && r.Status != StatusClosed && r.Has(userID) {
			m.hub.Subscribe(r.ID, userID)
			return r, nil
		}
		if err != nil && !errors.Is(err, ErrRoomNotFound) {
			return nil, err
		}
		// 残留映射（房间已关闭/过期），继续正常匹配
	}

	occ := Occupant{UserID: userID, Gender: p.Gender}

	// ❷ 逐轮匹配：先查候选集过滤后随机加入，候选耗尽则落到建房。
	// 新房在创建者完成首次加入前不进候选索引，正常一轮即收敛；轮次
	// 上限只防绕过匹配直接写目录的旁路写者
	for round := 0; round < matchRounds; round++ {
		cands, err := m.dir.Query(ctx, Predicate{Capacity: capacity, Policy: policy})
		if err != nil {
			return nil, fmt.Errorf("query candidates: %w", err)
		}
		cands = filterCandidates(cands, p.Gender, policy)
		r, err := m.joinOne(ctx, cands, occ, policy)
		if err != nil {
			return nil, err
		}
		if r != nil {
			m.notify(r, userID)
			return r, nil
		}

		// ❸ 没有可用房间：新建并加入。建房失败直接上抛，不重试（避免
		// 重复建房）；加入走与候选相同的冲突吸收路径，版本冲突在这里
		// 消化，不会漏给调用方
		created, err := m.dir.Create(ctx, capacity, policy)
		if err != nil {
			return nil, err
		}
		r, err = m.joinOne(ctx, []*Room{created}, occ, policy)
		if err != nil {
			return nil, err
		}
		if r != nil {
			utils.Info.Printf("room created: %s capacity=%d policy=%s", created.ID, capacity, policy)
			m.notify(r, userID)
			return r, nil
		}
		// 新房在首次加入前被填满/关闭：换下一轮重新匹配
	}
	return nil, fmt.Errorf("matchmaking did not converge after %d rounds", matchRounds)
}

// joinOne 在候选集中随机挑选并尝试 CAS 加入；候选集耗尽返回 (nil, nil)。
// 随机挑选把负载摊到所有空位房上，而不是总撞最旧的那间。
func (m *Matchmaker) joinOne(ctx context.Context, cands []*Room, occ Occupant, requested GenderPolicy) (*Room, error) {
	for len(cands) > 0 {
		i := rand.Intn(len(cands))
		cand := cands[i]

		r, err := m.life.TryJoin(ctx, cand.ID, occ, cand.Version)
		switch {
		case err == nil:
			return r, nil

		case errors.Is(err, ErrConflict):
			// 版本过期说明有别的写者成功；重读一次，仍可加入就以新版本重试。
			// 版本只增不减且满员即出局，单个房间的重试次数被容量封顶。
			fresh, gerr := m.dir.Get(ctx, cand.ID)
			if gerr == nil && fresh.Version != cand.Version && CanJoin(fresh, occ.Gender, requested) {
				cands[i] = fresh
				continue
			}
			cands = append(cands[:i], cands[i+1:]...)

		case errors.Is(err, ErrRoomFull), errors.Is(err, ErrRoomClosed), errors.Is(err, ErrRoomNotFound):
			// 被别人填满/已关闭：从候选集剔除，换下一间
			cands = append(cands[:i], cands[i+1:]...)

		default:
			return nil, err
		}
	}
	return nil, nil
}

// filterCandidates 逐个过兼容性判定（性别规则在这里生效）
func filterCandidates(rooms []*Room, gender string, requested GenderPolicy) []*Room {
	out := rooms[:0]
	for _, r := range rooms {
		if CanJoin(r, gender, requested) {
			out = append(out, r)
		}
	}
	return out
}

// notify 订阅实时通道并向全房间广播 matched 事件；满员时触发 OnRoomReady
func (m *Matchmaker) notify(r *Room, userID string) {
	m.hub.Subscribe(r.ID, userID)
	m.hub.BroadcastToUsers(r.OccupantIDs(), websocket.OutgoingMessage{
		Event: websocket.EventMatched,
		Data: map[string]any{
			"roomId":    r.ID,
			"occupants": r.OccupantIDs(),
			"status":    r.Status,
			"capacity":  r.Capacity,
		},
	})
	if r.Status == StatusActive && m.OnRoomReady != nil {
		go m.OnRoomReady(r)
	}
}

// Leave 用户退出当前房间；剩余成员收到 left 事件
func (m *Matchmaker) Leave(ctx context.Context, userID string) (*Room, error) {
	r, err := m.life.Leave(ctx, userID)
	if err != nil {
		return nil, err
	}
	if hub, ok := m.hub.(interface{ Unsubscribe(roomID, userID string) }); ok {
		hub.Unsubscribe(r.ID, userID)
	}
	if len(r.Occupants) > 0 {
		m.hub.BroadcastToUsers(r.OccupantIDs(), websocket.OutgoingMessage{
			Event: websocket.EventLeft,
			Data: map[string]any{
				"roomId":    r.ID,
				"userId":    userID,
				"occupants": r.OccupantIDs(),
				"status":    r.Status,
			},
		})
	}
	return r, nil
}

// Room 房间快照查询
func (m *Matchmaker) Room(ctx context.Context, roomID string) (*Room, error) {
	return m.dir.Get(ctx, roomID)
}
