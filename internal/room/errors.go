package room

import "errors"

var (
	// 边界校验错误：发生在任何 I/O 之前
	ErrInvalidCapacity = errors.New("capacity must be between 2 and 5")
	ErrInvalidPolicy   = errors.New("unknown matchedGender policy")
	ErrInvalidUserID   = errors.New("invalid userId")

	// ErrParticipantUnresolved 用户信息解析失败
	ErrParticipantUnresolved = errors.New("participant not found")

	// CAS 失败的几种变体；ErrConflict 只在 Matchmaker 内部消化，不对外暴露
	ErrConflict     = errors.New("room version conflict")
	ErrRoomFull     = errors.New("room is full")
	ErrRoomClosed   = errors.New("room is not accepting joins")
	ErrRoomNotFound = errors.New("room not found")

	// ErrNotInRoom 退出请求者不在任何房间中
	ErrNotInRoom = errors.New("user not in a room")
)
