package room

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memDirectory 内存实现，语义与 Redis 版对齐；互斥锁模拟 Lua 的原子段。
// 仅供测试与本地开发。
type memDirectory struct {
	mu       sync.Mutex
	rooms    map[string]*Room    // roomID -> room
	waiting  map[string]struct{} // 候选索引，与 Redis 版对齐：入房时建立
	userRoom map[string]string   // userID -> roomID
}

func NewMemoryDirectory() Directory {
	return &memDirectory{
		rooms:    make(map[string]*Room),
		waiting:  make(map[string]struct{}),
		userRoom: make(map[string]string),
	}
}

func (m *memDirectory) Create(ctx context.Context, capacity int, policy GenderPolicy) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := &Room{
		ID:        uuid.NewString(),
		Kind:      KindRandom,
		Capacity:  capacity,
		Policy:    policy,
		Status:    StatusWaiting,
		Version:   1,
		CreatedAt: time.Now(),
	}
	// 创建者完成首次加入前不进候选索引，避免新房被别的匹配请求抢占
	m.rooms[r.ID] = r
	return r.Clone(), nil
}

func (m *memDirectory) Get(ctx context.Context, roomID string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return r.Clone(), nil
}

func (m *memDirectory) Query(ctx context.Context, p Predicate) ([]*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Room
	for id := range m.waiting {
		r := m.rooms[id]
		if r == nil || r.Kind != KindRandom || r.Status != StatusWaiting || r.Full() {
			continue
		}
		if r.Capacity != p.Capacity || r.Policy != p.Policy {
			continue
		}
		out = append(out, r.Clone())
	}
	return out, nil
}

func (m *memDirectory) TryJoin(ctx context.Context, roomID string, occ Occupant, expectedVersion int64) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if r.Version != expectedVersion {
		return nil, ErrConflict
	}
	if r.Status != StatusWaiting {
		return nil, ErrRoomClosed
	}
	if r.Full() {
		return nil, ErrRoomFull
	}
	if r.Has(occ.UserID) {
		return nil, ErrConflict
	}
	r.Occupants = append(r.Occupants, occ)
	r.Version++
	m.userRoom[occ.UserID] = r.ID
	if r.Full() {
		r.Status = StatusActive
		delete(m.waiting, r.ID)
	} else {
		m.waiting[r.ID] = struct{}{}
	}
	return r.Clone(), nil
}

func (m *memDirectory) Leave(ctx context.Context, roomID, userID string, expectedVersion int64) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if r.Version != expectedVersion {
		return nil, ErrConflict
	}
	if r.Status == StatusClosed {
		return nil, ErrRoomClosed
	}
	kept := r.Occupants[:0]
	removed := false
	for _, o := range r.Occupants {
		if o.UserID == userID {
			removed = true
			continue
		}
		kept = append(kept, o)
	}
	if !removed {
		return nil, ErrNotInRoom
	}
	r.Occupants = kept
	r.Version++
	delete(m.userRoom, userID)
	if len(r.Occupants) == 0 {
		r.Status = StatusClosed
		delete(m.waiting, r.ID)
	} else {
		r.Status = StatusWaiting
		m.waiting[r.ID] = struct{}{}
	}
	return r.Clone(), nil
}

func (m *memDirectory) Close(ctx context.Context, roomID string, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if r.Status == StatusClosed {
		return nil // 幂等
	}
	if r.Version != expectedVersion {
		return ErrConflict
	}
	r.Status = StatusClosed
	r.Version++
	delete(m.waiting, r.ID)
	for _, o := range r.Occupants {
		delete(m.userRoom, o.UserID)
	}
	return nil
}

func (m *memDirectory) RoomOf(ctx context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userRoom[userID], nil
}
