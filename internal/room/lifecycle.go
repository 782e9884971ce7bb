package room

import (
	"context"
	"errors"
	"time"

	"randomchat/internal/utils"
)

// CAS 冲突时的重读次数上限；冲突即有别的写者成功，不做盲目无限重试
const casRetries = 3

// Lifecycle 负责房间状态机：加入（waiting -> active）、关闭（-> closed）
// 以及超期未成房的 waiting 房清理。所有写入都委托给目录的 CAS 原语。
type Lifecycle struct {
	dir    Directory
	expiry time.Duration // waiting 房的最长存活时间
}

func NewLifecycle(dir Directory, expiry time.Duration) *Lifecycle {
	return &Lifecycle{dir: dir, expiry: expiry}
}

// TryJoin 条件加入；occupants/status 的唯一写入口
func (l *Lifecycle) TryJoin(ctx context.Context, roomID string, occ Occupant, expectedVersion int64) (*Room, error) {
	return l.dir.TryJoin(ctx, roomID, occ, expectedVersion)
}

// Leave 将用户从其当前房间移出；清空的房间随之关闭
func (l *Lifecycle) Leave(ctx context.Context, userID string) (*Room, error) {
	roomID, err := l.dir.RoomOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	if roomID == "" {
		return nil, ErrNotInRoom
	}
	for i := 0; i < casRetries; i++ {
		r, err := l.dir.Get(ctx, roomID)
		if err != nil {
			return nil, err
		}
		out, err := l.dir.Leave(ctx, roomID, userID, r.Version)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return out, err
	}
	return nil, ErrConflict
}

// Close 外部关闭事件入口（房间结束等）；对已关闭房间幂等
func (l *Lifecycle) Close(ctx context.Context, roomID string) error {
	for i := 0; i < casRetries; i++ {
		r, err := l.dir.Get(ctx, roomID)
		if err != nil {
			return err
		}
		if r.Status == StatusClosed {
			return nil
		}
		err = l.dir.Close(ctx, roomID, r.Version)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return err
	}
	return ErrConflict
}

// RunExpiry 周期清理超期的 waiting 房，避免死房长期污染候选集。
// ctx 取消时退出。
func (l *Lifecycle) RunExpiry(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep 单轮清理；冲突跳过，留给下一轮
func (l *Lifecycle) Sweep(ctx context.Context) {
	deadline := time.Now().Add(-l.expiry)
	for capacity := MinCapacity; capacity <= MaxCapacity; capacity++ {
		for _, policy := range []GenderPolicy{PolicyAny, PolicySame, PolicyOpposite} {
			rooms, err := l.dir.Query(ctx, Predicate{Capacity: capacity, Policy: policy})
			if err != nil {
				utils.Error.Printf("expiry query failed: %v", err)
				continue
			}
			for _, r := range rooms {
				if r.CreatedAt.After(deadline) {
					continue
				}
				if err := l.dir.Close(ctx, r.ID, r.Version); err != nil && !errors.Is(err, ErrConflict) {
					utils.Error.Printf("expiry close room %s failed: %v", r.ID, err)
					continue
				}
				utils.Info.Printf("expired waiting room closed: %s", r.ID)
			}
		}
	}
}
