package profile

import (
	"context"
	"errors"
)

// Profile 匹配核心只关心 gender；昵称用于广播展示
type Profile struct {
	UserID   string `json:"userId"`
	Gender   string `json:"gender"`
	Nickname string `json:"nickname"`
}

var ErrNotFound = errors.New("user not found")

// Resolver 用户信息解析器；核心只读，不拥有该实体
type Resolver interface {
	Resolve(ctx context.Context, userID string) (Profile, error)
}
