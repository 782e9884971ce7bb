package room

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// key 约定：
//
//	hash: rc:room:{id}                    -> 房间记录（含 version 字段）
//	set : rc:waiting:{capacity}:{policy}  -> 等待中随机房的候选索引
//	kv  : rc:userRoom:{userId}            -> 用户 -> 所在房间 ID（幂等重入用）
//
// 所有写路径（加入/退出/关闭）都是 Lua 脚本：版本号比对与状态变更
// 在 Redis 内原子执行，同一版本至多一个写者成功。
type redisDirectory struct {
	rdb *redis.Client
	// closed 房间保留时间，到期后哈希自动过期
	retention time.Duration
}

func NewRedisDirectory(rdb *redis.Client) Directory {
	return &redisDirectory{rdb: rdb, retention: 24 * time.Hour}
}

func roomKey(id string) string {
	return "rc:room:" + id
}

func waitingKey(capacity int, policy GenderPolicy) string {
	return fmt.Sprintf("rc:waiting:%d:%s", capacity, policy)
}

func userRoomKey(userID string) string {
	return "rc:userRoom:" + userID
}

// occupants 字段编码为 "uid|gender,uid|gender"，Lua 里无需 JSON 即可追加/删除
func encodeOccupants(occ []Occupant) string {
	parts := make([]string, 0, len(occ))
	for _, o := range occ {
		parts = append(parts, o.UserID+"|"+o.Gender)
	}
	return strings.Join(parts, ",")
}

func decodeOccupants(s string) []Occupant {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	occ := make([]Occupant, 0, len(parts))
	for _, p := range parts {
		uid, gender, _ := strings.Cut(p, "|")
		occ = append(occ, Occupant{UserID: uid, Gender: gender})
	}
	return occ
}

// Lua 返回码约定（与 errors.go 一一对应）
const (
	luaConflict  = -1
	luaFull      = -2
	luaNotOpen   = -3
	luaNotFound  = -4
	luaNotMember = -5
)

func casErr(code int64) error {
	switch code {
	case luaConflict:
		return ErrConflict
	case luaFull:
		return ErrRoomFull
	case luaNotOpen:
		return ErrRoomClosed
	case luaNotFound:
		return ErrRoomNotFound
	case luaNotMember:
		return ErrNotInRoom
	default:
		return fmt.Errorf("unexpected cas result %d", code)
	}
}

// KEYS[1]=roomKey KEYS[2]=waitingKey KEYS[3]=userRoomKey
// ARGV[1]=expectedVersion ARGV[2]=uid|gender ARGV[3]=uid ARGV[4]=roomId
const joinScript = `
local v = redis.call("HGET", KEYS[1], "version")
if not v then return -4 end
if tonumber(v) ~= tonumber(ARGV[1]) then return -1 end
if redis.call("HGET", KEYS[1], "status") ~= "waiting" then return -3 end
local size = tonumber(redis.call("HGET", KEYS[1], "size"))
local cap = tonumber(redis.call("HGET", KEYS[1], "capacity"))
if size >= cap then return -2 end
local occ = redis.call("HGET", KEYS[1], "occupants")
if occ ~= "" and string.find("," .. occ .. ",", "," .. ARGV[3] .. "|", 1, true) then return -1 end
if occ == "" then occ = ARGV[2] else occ = occ .. "," .. ARGV[2] end
size = size + 1
redis.call("HSET", KEYS[1], "occupants", occ, "size", size)
redis.call("HINCRBY", KEYS[1], "version", 1)
redis.call("SET", KEYS[3], ARGV[4])
if size == cap then
    redis.call("HSET", KEYS[1], "status", "active")
    redis.call("SREM", KEYS[2], ARGV[4])
else
    redis.call("SADD", KEYS[2], ARGV[4])
end
return size
`

// KEYS[1]=roomKey KEYS[2]=waitingKey KEYS[3]=userRoomKey
// ARGV[1]=expectedVersion ARGV[2]=uid ARGV[3]=roomId ARGV[4]=retentionSeconds
const leaveScript = `
local v = redis.call("HGET", KEYS[1], "version")
if not v then return -4 end
if tonumber(v) ~= tonumber(ARGV[1]) then return -1 end
local status = redis.call("HGET", KEYS[1], "status")
if status == "closed" then return -3 end
local occ = redis.call("HGET", KEYS[1], "occupants")
local out = {}
local removed = false
for entry in string.gmatch(occ, "[^,]+") do
    if string.sub(entry, 1, #ARGV[2] + 1) == ARGV[2] .. "|" then
        removed = true
    else
        table.insert(out, entry)
    end
end
if not removed then return -5 end
local size = #out
redis.call("HSET", KEYS[1], "occupants", table.concat(out, ","), "size", size)
redis.call("HINCRBY", KEYS[1], "version", 1)
redis.call("DEL", KEYS[3])
if size == 0 then
    redis.call("HSET", KEYS[1], "status", "closed")
    redis.call("SREM", KEYS[2], ARGV[3])
    redis.call("EXPIRE", KEYS[1], tonumber(ARGV[4]))
else
    redis.call("HSET", KEYS[1], "status", "waiting")
    redis.call("SADD", KEYS[2], ARGV[3])
end
return size
`

// KEYS[1]=roomKey KEYS[2]=waitingKey KEYS[3..]=成员的 userRoomKey
// ARGV[1]=expectedVersion ARGV[2]=roomId ARGV[3]=retentionSeconds
const closeScript = `
local v = redis.call("HGET", KEYS[1], "version")
if not v then return -4 end
if redis.call("HGET", KEYS[1], "status") == "closed" then return 0 end
if tonumber(v) ~= tonumber(ARGV[1]) then return -1 end
redis.call("HSET", KEYS[1], "status", "closed")
redis.call("HINCRBY", KEYS[1], "version", 1)
redis.call("SREM", KEYS[2], ARGV[2])
for i = 3, #KEYS do
    redis.call("DEL", KEYS[i])
end
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[3]))
return 1
`

func (d *redisDirectory) Create(ctx context.Context, capacity int, policy GenderPolicy) (*Room, error) {
	r := &Room{
		ID:        uuid.NewString(),
		Kind:      KindRandom,
		Capacity:  capacity,
		Policy:    policy,
		Status:    StatusWaiting,
		Version:   1,
		CreatedAt: time.Now(),
	}
	// 注意：这里不写候选索引。新房在创建者完成首次加入之前对匹配
	// 不可见（索引由加入脚本维护），因此创建后的首次加入不会被抢占
	err := d.rdb.HSet(ctx, roomKey(r.ID),
		"kind", string(r.Kind),
		"capacity", r.Capacity,
		"policy", string(r.Policy),
		"status", string(r.Status),
		"size", 0,
		"occupants", "",
		"version", r.Version,
		"createdAt", r.CreatedAt.UnixMilli(),
	).Err()
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	return r, nil
}

func (d *redisDirectory) Get(ctx context.Context, roomID string) (*Room, error) {
	vals, err := d.rdb.HGetAll(ctx, roomKey(roomID)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrRoomNotFound
	}
	return roomFromHash(roomID, vals)
}

func roomFromHash(id string, vals map[string]string) (*Room, error) {
	capacity, err := strconv.Atoi(vals["capacity"])
	if err != nil {
		return nil, fmt.Errorf("room %s: bad capacity: %w", id, err)
	}
	version, err := strconv.ParseInt(vals["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("room %s: bad version: %w", id, err)
	}
	createdMs, _ := strconv.ParseInt(vals["createdAt"], 10, 64)
	return &Room{
		ID:        id,
		Kind:      Kind(vals["kind"]),
		Capacity:  capacity,
		Policy:    GenderPolicy(vals["policy"]),
		Status:    Status(vals["status"]),
		Occupants: decodeOccupants(vals["occupants"]),
		Version:   version,
		CreatedAt: time.UnixMilli(createdMs),
	}, nil
}

func (d *redisDirectory) Query(ctx context.Context, p Predicate) ([]*Room, error) {
	ids, err := d.rdb.SMembers(ctx, waitingKey(p.Capacity, p.Policy)).Result()
	if err != nil {
		return nil, err
	}
	rooms := make([]*Room, 0, len(ids))
	for _, id := range ids {
		r, err := d.Get(ctx, id)
		if err == ErrRoomNotFound {
			// 索引里的残留项（房间已过期），顺手清掉
			_ = d.rdb.SRem(ctx, waitingKey(p.Capacity, p.Policy), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		if r.Status != StatusWaiting || r.Full() {
			continue
		}
		rooms = append(rooms, r)
	}
	return rooms, nil
}

func (d *redisDirectory) TryJoin(ctx context.Context, roomID string, occ Occupant, expectedVersion int64) (*Room, error) {
	r, err := d.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	keys := []string{roomKey(roomID), waitingKey(r.Capacity, r.Policy), userRoomKey(occ.UserID)}
	res, err := d.rdb.Eval(ctx, joinScript, keys,
		expectedVersion, occ.UserID+"|"+occ.Gender, occ.UserID, roomID).Int64()
	if err != nil {
		return nil, fmt.Errorf("join room %s: %w", roomID, err)
	}
	if res < 0 {
		return nil, casErr(res)
	}
	return d.Get(ctx, roomID)
}

func (d *redisDirectory) Leave(ctx context.Context, roomID, userID string, expectedVersion int64) (*Room, error) {
	r, err := d.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	keys := []string{roomKey(roomID), waitingKey(r.Capacity, r.Policy), userRoomKey(userID)}
	res, err := d.rdb.Eval(ctx, leaveScript, keys,
		expectedVersion, userID, roomID, int(d.retention.Seconds())).Int64()
	if err != nil {
		return nil, fmt.Errorf("leave room %s: %w", roomID, err)
	}
	if res < 0 {
		return nil, casErr(res)
	}
	return d.Get(ctx, roomID)
}

func (d *redisDirectory) Close(ctx context.Context, roomID string, expectedVersion int64) error {
	r, err := d.Get(ctx, roomID)
	if err != nil {
		return err
	}
	keys := []string{roomKey(roomID), waitingKey(r.Capacity, r.Policy)}
	for _, o := range r.Occupants {
		keys = append(keys, userRoomKey(o.UserID))
	}
	res, err := d.rdb.Eval(ctx, closeScript, keys,
		expectedVersion, roomID, int(d.retention.Seconds())).Int64()
	if err != nil {
		return fmt.Errorf("close room %s: %w", roomID, err)
	}
	if res < 0 {
		return casErr(res)
	}
	return nil
}

func (d *redisDirectory) RoomOf(ctx context.Context, userID string) (string, error) {
	val, err := d.rdb.Get(ctx, userRoomKey(userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}
