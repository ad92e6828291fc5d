package models

import "github.com/google/uuid"

// NewID 统一的 ID 生成入口
func NewID() string {
	return uuid.NewString()
}
