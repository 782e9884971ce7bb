package room

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"randomchat/internal/profile"
	ws "randomchat/internal/websocket"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

// MockHub 捕获 Subscribe / Broadcast 调用，记录每个用户收到的最后一条消息
type MockHub struct {
	mu   sync.Mutex
	subs map[string][]string // roomID -> userIDs
	msgs map[string]ws.OutgoingMessage
}

func NewMockHub() *MockHub {
	return &MockHub{
		subs: make(map[string][]string),
		msgs: make(map[string]ws.OutgoingMessage),
	}
}

func (m *MockHub) Subscribe(roomID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[roomID] = append(m.subs[roomID], userID)
}

func (m *MockHub) Unsubscribe(roomID, userID string) {}

func (m *MockHub) BroadcastToUsers(ids []string, msg ws.OutgoingMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.msgs[strings.ToLower(id)] = msg
	}
}

func (m *MockHub) GetMsg(userID string) (ws.OutgoingMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.msgs[strings.ToLower(userID)]
	return msg, ok
}

func (m *MockHub) Subscribed(roomID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.subs[roomID]...)
}

func newTestProfiles(users ...profile.Profile) *profile.MemoryStore {
	store := profile.NewMemoryStore()
	for _, u := range users {
		store.Put(u)
	}
	return store
}

func newMemMatchmaker(profiles profile.Resolver) (*Matchmaker, Directory, *MockHub) {
	dir := NewMemoryDirectory()
	life := NewLifecycle(dir, 10*time.Minute)
	hub := NewMockHub()
	return NewMatchmaker(dir, life, profiles, hub), dir, hub
}

// ---------- 边界校验 ----------
func Test_FindOrCreateRoom_InvalidCapacity(t *testing.T) {
	profiles := newTestProfiles(profile.Profile{UserID: "uA", Gender: "m"})
	svc, dir, _ := newMemMatchmaker(profiles)

	for _, capacity := range []int{0, 1, 6, -3} {
		_, err := svc.FindOrCreateRoom(context.Background(), "uA", capacity, PolicyAny)
		assert.ErrorIs(t, err, ErrInvalidCapacity)
	}

	// 校验失败不应触发任何目录写入
	for capacity := MinCapacity; capacity <= MaxCapacity; capacity++ {
		rooms, err := dir.Query(context.Background(), Predicate{Capacity: capacity, Policy: PolicyAny})
		assert.NoError(t, err)
		assert.Empty(t, rooms)
	}
}

func Test_FindOrCreateRoom_InvalidPolicy(t *testing.T) {
	profiles := newTestProfiles(profile.Profile{UserID: "uA", Gender: "m"})
	svc, _, _ := newMemMatchmaker(profiles)

	_, err := svc.FindOrCreateRoom(context.Background(), "uA", 2, GenderPolicy("both"))
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func Test_FindOrCreateRoom_UnknownParticipant(t *testing.T) {
	svc, _, _ := newMemMatchmaker(newTestProfiles())

	_, err := svc.FindOrCreateRoom(context.Background(), "ghost", 2, PolicyAny)
	assert.ErrorIs(t, err, ErrParticipantUnresolved)
}

// ---------- 基本匹配流程（内存目录） ----------
func Test_TwoJoiners_FillCapacityTwoRoom(t *testing.T) {
	profiles := newTestProfiles(
		profile.Profile{UserID: "uA", Gender: "m"},
		profile.Profile{UserID: "uB", Gender: "f"},
	)
	svc, _, hub := newMemMatchmaker(profiles)
	ctx := context.Background()

	// 🟢 A 入场：无候选 -> 新建 waiting 房
	r1, err := svc.FindOrCreateRoom(ctx, "uA", 2, PolicyAny)
	assert.NoError(t, err)
	assert.Equal(t, StatusWaiting, r1.Status)
	assert.Equal(t, []string{"uA"}, r1.OccupantIDs())

	// 🟢 B 入场：加入同一间，满员转 active
	r2, err := svc.FindOrCreateRoom(ctx, "uB", 2, PolicyAny)
	assert.NoError(t, err)
	assert.Equal(t, r1.ID, r2.ID)
	assert.Equal(t, StatusActive, r2.Status)
	assert.ElementsMatch(t, []string{"uA", "uB"}, r2.OccupantIDs())

	// 两人都应收到 matched 广播并被订阅到房间
	for _, id := range []string{"uA", "uB"} {
		msg, ok := hub.GetMsg(id)
		assert.True(t, ok, "user %s should have received a message", id)
		assert.Equal(t, "matched", msg.Event)
	}
	assert.ElementsMatch(t, []string{"uA", "uB"}, hub.Subscribed(r1.ID))
}

func Test_SamePolicy_GenderMismatch_CreatesNewRoom(t *testing.T) {
	profiles := newTestProfiles(
		profile.Profile{UserID: "uF", Gender: "f"},
		profile.Profile{UserID: "uM", Gender: "m"},
	)
	svc, _, _ := newMemMatchmaker(profiles)
	ctx := context.Background()

	// 已有一间 same 房，成员是 f
	rf, err := svc.FindOrCreateRoom(ctx, "uF", 3, PolicySame)
	assert.NoError(t, err)

	// m 请求 same：R 不是候选，应新建
	rm, err := svc.FindOrCreateRoom(ctx, "uM", 3, PolicySame)
	assert.NoError(t, err)
	assert.NotEqual(t, rf.ID, rm.ID)
	assert.Equal(t, []string{"uM"}, rm.OccupantIDs())
}

func Test_PolicyMismatch_NeverMixed(t *testing.T) {
	profiles := newTestProfiles(
		profile.Profile{UserID: "uA", Gender: "m"},
		profile.Profile{UserID: "uB", Gender: "f"},
	)
	svc, _, _ := newMemMatchmaker(profiles)
	ctx := context.Background()

	// any 房不会被 opposite 请求复用，即使性别本身兼容
	ra, err := svc.FindOrCreateRoom(ctx, "uA", 2, PolicyAny)
	assert.NoError(t, err)
	rb, err := svc.FindOrCreateRoom(ctx, "uB", 2, PolicyOpposite)
	assert.NoError(t, err)
	assert.NotEqual(t, ra.ID, rb.ID)
}

// ---------- 幂等重入 ----------
func Test_FindOrCreateRoom_Idempotent(t *testing.T) {
	profiles := newTestProfiles(profile.Profile{UserID: "uA", Gender: "m"})
	svc, _, _ := newMemMatchmaker(profiles)
	ctx := context.Background()

	r1, err := svc.FindOrCreateRoom(ctx, "uA", 3, PolicyAny)
	assert.NoError(t, err)

	// 请求重放：同一房间、成员数不变
	r2, err := svc.FindOrCreateRoom(ctx, "uA", 3, PolicyAny)
	assert.NoError(t, err)
	assert.Equal(t, r1.ID, r2.ID)
	assert.Equal(t, 1, len(r2.Occupants))
	assert.Equal(t, r1.Version, r2.Version)

	// 换参数重放也回到原房间，不会被挪动
	r3, err := svc.FindOrCreateRoom(ctx, "uA", 2, PolicySame)
	assert.NoError(t, err)
	assert.Equal(t, r1.ID, r3.ID)
}

// ---------- 冲突重定向 ----------
func Test_Conflict_RedirectedToAnotherRoom(t *testing.T) {
	profiles := newTestProfiles(
		profile.Profile{UserID: "uA", Gender: "m"},
		profile.Profile{UserID: "uB", Gender: "f"},
		profile.Profile{UserID: "uC", Gender: "f"},
	)
	svc, dir, _ := newMemMatchmaker(profiles)
	ctx := context.Background()

	// A 建了一间 2 人房，剩 1 个空位
	ra, err := svc.FindOrCreateRoom(ctx, "uA", 2, PolicyAny)
	assert.NoError(t, err)

	// 模拟竞争：B 用同一版本直接 TryJoin 抢掉空位
	_, err = dir.TryJoin(ctx, ra.ID, Occupant{UserID: "uB", Gender: "f"}, ra.Version)
	assert.NoError(t, err)

	// C 走完整匹配：候选房已满，应当落到新建而不是报错
	rc, err := svc.FindOrCreateRoom(ctx, "uC", 2, PolicyAny)
	assert.NoError(t, err)
	assert.NotEqual(t, ra.ID, rc.ID)
	assert.Equal(t, []string{"uC"}, rc.OccupantIDs())

	// 被抢的房间应是满员 active，且恰好 2 人
	full, err := dir.Get(ctx, ra.ID)
	assert.NoError(t, err)
	assert.Equal(t, StatusActive, full.Status)
	assert.Equal(t, 2, len(full.Occupants))
}

func Test_TryJoin_ExactlyOneWinnerPerVersion(t *testing.T) {
	dir := NewMemoryDirectory()
	ctx := context.Background()

	r, err := dir.Create(ctx, 2, PolicyAny)
	assert.NoError(t, err)
	_, err = dir.TryJoin(ctx, r.ID, Occupant{UserID: "u1", Gender: "m"}, r.Version)
	assert.NoError(t, err)

	cur, err := dir.Get(ctx, r.ID)
	assert.NoError(t, err)

	// 两个写者拿着同一版本争最后一个空位：恰好一个成功
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, uid := range []string{"u2", "u3"} {
		wg.Add(1)
		go func(i int, uid string) {
			defer wg.Done()
			_, errs[i] = dir.TryJoin(ctx, r.ID, Occupant{UserID: uid, Gender: "f"}, cur.Version)
		}(i, uid)
	}
	wg.Wait()

	winners := 0
	for _, e := range errs {
		if e == nil {
			winners++
		} else {
			assert.ErrorIs(t, e, ErrConflict)
		}
	}
	assert.Equal(t, 1, winners)

	final, err := dir.Get(ctx, r.ID)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(final.Occupants))
	assert.Equal(t, StatusActive, final.Status)
}

// ---------- 并发不超员 ----------
func Test_ConcurrentJoins_NeverOverbook(t *testing.T) {
	users := []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8"}
	store := profile.NewMemoryStore()
	for i, id := range users {
		gender := "m"
		if i%2 == 1 {
			gender = "f"
		}
		store.Put(profile.Profile{UserID: id, Gender: gender})
	}
	svc, dir, _ := newMemMatchmaker(store)
	ctx := context.Background()

	const capacity = 2
	var wg sync.WaitGroup
	for _, id := range users {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := svc.FindOrCreateRoom(ctx, id, capacity, PolicyAny)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	// 每个用户恰好在一间房里，且没有任何房间超员
	seen := make(map[string]int)
	for _, id := range users {
		roomID, err := dir.RoomOf(ctx, id)
		assert.NoError(t, err)
		assert.NotEmpty(t, roomID, "user %s should be in a room", id)

		r, err := dir.Get(ctx, roomID)
		assert.NoError(t, err)
		assert.True(t, r.Has(id))
		assert.LessOrEqual(t, len(r.Occupants), r.Capacity)
		// active 当且仅当满员
		if r.Status == StatusActive {
			assert.Equal(t, r.Capacity, len(r.Occupants))
		} else {
			assert.Less(t, len(r.Occupants), r.Capacity)
		}
		seen[roomID]++
	}
	// 8 人 2 人房：任何用户都只被计入一次
	total := 0
	for roomID, n := range seen {
		r, _ := dir.Get(ctx, roomID)
		assert.Equal(t, n, len(r.Occupants), "room %s occupancy mismatch", roomID)
		total += n
	}
	assert.Equal(t, len(users), total)
}

// ---------- Redis（miniredis）实现全流程 ----------
func Test_RedisDirectory_MatchFlow(t *testing.T) {
	mr, err := miniredis.Run()
	assert.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	dir := NewRedisDirectory(rdb)
	life := NewLifecycle(dir, 10*time.Minute)
	hub := NewMockHub()
	profiles := newTestProfiles(
		profile.Profile{UserID: "uA", Gender: "m"},
		profile.Profile{UserID: "uB", Gender: "f"},
		profile.Profile{UserID: "uC", Gender: "m"},
	)
	svc := NewMatchmaker(dir, life, profiles, hub)
	ctx := context.Background()

	// 🟢 Step 1: A 入场 -> 新建 waiting 房
	r1, err := svc.FindOrCreateRoom(ctx, "uA", 2, PolicyOpposite)
	assert.NoError(t, err)
	assert.Equal(t, StatusWaiting, r1.Status)
	assert.True(t, mr.Exists("rc:room:"+r1.ID), "room hash should exist in redis")

	// 🟢 Step 2: B（异性）入场 -> 成房 active
	r2, err := svc.FindOrCreateRoom(ctx, "uB", 2, PolicyOpposite)
	assert.NoError(t, err)
	assert.Equal(t, r1.ID, r2.ID)
	assert.Equal(t, StatusActive, r2.Status)

	// 满员后候选索引应该不再包含该房间
	rooms, err := dir.Query(ctx, Predicate{Capacity: 2, Policy: PolicyOpposite})
	assert.NoError(t, err)
	assert.Empty(t, rooms)

	// 🟢 Step 3: C（m）入场 opposite -> 原房已 active，新建一间
	r3, err := svc.FindOrCreateRoom(ctx, "uC", 2, PolicyOpposite)
	assert.NoError(t, err)
	assert.NotEqual(t, r1.ID, r3.ID)

	// 🟢 Step 4: 幂等重入（Redis 反向索引）
	again, err := svc.FindOrCreateRoom(ctx, "uA", 2, PolicyOpposite)
	assert.NoError(t, err)
	assert.Equal(t, r1.ID, again.ID)
	assert.Equal(t, 2, len(again.Occupants))
}

func Test_RedisDirectory_ConcurrentJoins(t *testing.T) {
	mr, err := miniredis.Run()
	assert.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	dir := NewRedisDirectory(rdb)
	life := NewLifecycle(dir, 10*time.Minute)
	hub := NewMockHub()

	users := []string{"u1", "u2", "u3", "u4", "u5", "u6"}
	store := profile.NewMemoryStore()
	for _, id := range users {
		store.Put(profile.Profile{UserID: id, Gender: "m"})
	}
	svc := NewMatchmaker(dir, life, store, hub)
	ctx := context.Background()

	const capacity = 3
	var wg sync.WaitGroup
	for _, id := range users {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := svc.FindOrCreateRoom(ctx, id, capacity, PolicyAny)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	for _, id := range users {
		roomID, err := dir.RoomOf(ctx, id)
		assert.NoError(t, err)
		assert.NotEmpty(t, roomID)

		r, err := dir.Get(ctx, roomID)
		assert.NoError(t, err)
		assert.True(t, r.Has(id))
		assert.LessOrEqual(t, len(r.Occupants), capacity, "room %s overbooked", roomID)
	}
}

// ---------- 建房竞争吸收 ----------

// squattingDirectory 在 Create 返回前让抢占者先入房，制造创建者首次
// 加入时的版本竞争
type squattingDirectory struct {
	Directory
	squatter Occupant
}

func (d *squattingDirectory) Create(ctx context.Context, capacity int, policy GenderPolicy) (*Room, error) {
	r, err := d.Directory.Create(ctx, capacity, policy)
	if err != nil {
		return nil, err
	}
	if _, err := d.Directory.TryJoin(ctx, r.ID, d.squatter, r.Version); err != nil {
		return nil, err
	}
	// 故意返回创建时的旧版本快照
	return r, nil
}

func Test_CreatedRoomContention_CreatorStillSeated(t *testing.T) {
	profiles := newTestProfiles(profile.Profile{UserID: "uA", Gender: "m"})
	dir := &squattingDirectory{
		Directory: NewMemoryDirectory(),
		squatter:  Occupant{UserID: "uS", Gender: "f"},
	}
	life := NewLifecycle(dir, 10*time.Minute)
	hub := NewMockHub()
	svc := NewMatchmaker(dir, life, profiles, hub)
	ctx := context.Background()

	// 创建者拿到的是旧版本快照，首次加入必然先撞版本冲突；冲突应被
	// 匹配循环吸收，创建者落进剩余空位而不是收到错误
	r, err := svc.FindOrCreateRoom(ctx, "uA", 3, PolicyAny)
	assert.NoError(t, err)
	assert.NotNil(t, r)
	assert.True(t, r.Has("uA"))
	assert.True(t, r.Has("uS"))
	assert.Equal(t, 2, len(r.Occupants))
	assert.Equal(t, StatusWaiting, r.Status)
}

func Test_CreatedRoom_InvisibleUntilCreatorJoins(t *testing.T) {
	dir := NewMemoryDirectory()
	ctx := context.Background()

	r, err := dir.Create(ctx, 2, PolicyAny)
	assert.NoError(t, err)

	// 空的新房不是候选，别的匹配请求抢不走它
	rooms, err := dir.Query(ctx, Predicate{Capacity: 2, Policy: PolicyAny})
	assert.NoError(t, err)
	assert.Empty(t, rooms)

	_, err = dir.TryJoin(ctx, r.ID, Occupant{UserID: "u1", Gender: "m"}, r.Version)
	assert.NoError(t, err)

	rooms, err = dir.Query(ctx, Predicate{Capacity: 2, Policy: PolicyAny})
	assert.NoError(t, err)
	assert.Len(t, rooms, 1)
	assert.Equal(t, r.ID, rooms[0].ID)
}

func Test_FindOrCreateRoom_InvalidUserID(t *testing.T) {
	profiles := newTestProfiles(profile.Profile{UserID: "uA", Gender: "m"})
	svc, dir, _ := newMemMatchmaker(profiles)
	ctx := context.Background()

	// 分隔符会破坏目录里的成员编码，在边界处直接拒绝
	for _, id := range []string{"", "a|b", "a,b"} {
		_, err := svc.FindOrCreateRoom(ctx, id, 2, PolicyAny)
		assert.ErrorIs(t, err, ErrInvalidUserID)
	}
	rooms, err := dir.Query(ctx, Predicate{Capacity: 2, Policy: PolicyAny})
	assert.NoError(t, err)
	assert.Empty(t, rooms)
}

// ---------- 退出与重新开放 ----------
func Test_Leave_ReopensSlot(t *testing.T) {
	profiles := newTestProfiles(
		profile.Profile{UserID: "uA", Gender: "m"},
		profile.Profile{UserID: "uB", Gender: "f"},
		profile.Profile{UserID: "uC", Gender: "m"},
	)
	svc, dir, _ := newMemMatchmaker(profiles)
	ctx := context.Background()

	r1, err := svc.FindOrCreateRoom(ctx, "uA", 2, PolicyAny)
	assert.NoError(t, err)
	_, err = svc.FindOrCreateRoom(ctx, "uB", 2, PolicyAny)
	assert.NoError(t, err)

	// A 退出：房间回到 waiting，空位重新可匹配
	left, err := svc.Leave(ctx, "uA")
	assert.NoError(t, err)
	assert.Equal(t, StatusWaiting, left.Status)
	assert.Equal(t, []string{"uB"}, left.OccupantIDs())

	roomID, err := dir.RoomOf(ctx, "uA")
	assert.NoError(t, err)
	assert.Empty(t, roomID)

	// C 匹配进同一间
	rc, err := svc.FindOrCreateRoom(ctx, "uC", 2, PolicyAny)
	assert.NoError(t, err)
	assert.Equal(t, r1.ID, rc.ID)
	assert.Equal(t, StatusActive, rc.Status)
}

func Test_Leave_LastOccupantClosesRoom(t *testing.T) {
	profiles := newTestProfiles(profile.Profile{UserID: "uA", Gender: "m"})
	svc, dir, _ := newMemMatchmaker(profiles)
	ctx := context.Background()

	_, err := svc.FindOrCreateRoom(ctx, "uA", 3, PolicyAny)
	assert.NoError(t, err)

	left, err := svc.Leave(ctx, "uA")
	assert.NoError(t, err)
	assert.Equal(t, StatusClosed, left.Status)

	// closed 房不再是候选
	rooms, err := dir.Query(ctx, Predicate{Capacity: 3, Policy: PolicyAny})
	assert.NoError(t, err)
	assert.Empty(t, rooms)

	_, err = svc.Leave(ctx, "uA")
	assert.ErrorIs(t, err, ErrNotInRoom)
}
