// Package store 持有全局唯一的项目快照。
// 所有子系统（同步通道、各阶段生成器、轮询器）都通过函数式更新
// 读改写同一份数据，互斥锁保证更新串行，代替显式乐观重试。
package store

import (
	"sync"

	"DramaCraft-server/models"
)

// ProjectStore 单一属主的项目状态容器
type ProjectStore struct {
	mu   sync.Mutex
	data models.ProjectData
	subs []func()
}

func New(initial models.ProjectData) *ProjectStore {
	return &ProjectStore{data: initial}
}

// Get 返回当前快照的深拷贝，调用方可随意修改
func (s *ProjectStore) Get() models.ProjectData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Clone()
}

// Update 串行化的读改写：fn 总是基于最新值推导下一个值，
// 写入后立即可被下一次 Get/Update 看到（链式异步步骤的读写一致性）。
func (s *ProjectStore) Update(fn func(models.ProjectData) models.ProjectData) models.ProjectData {
	s.mu.Lock()
	s.data = fn(s.data.Clone())
	next := s.data.Clone()
	subs := s.subs
	s.mu.Unlock()
	for _, sub := range subs {
		sub()
	}
	return next
}

// Replace 整体替换（登录合并、409 采用服务端快照时使用）
func (s *ProjectStore) Replace(d models.ProjectData) {
	s.Update(func(models.ProjectData) models.ProjectData { return d })
}

// OnChange 注册变更回调（项目通道靠它触发防抖保存）
func (s *ProjectStore) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}
