package syncer

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"DramaCraft-server/config"
	"DramaCraft-server/delta"
	"DramaCraft-server/merge"
	"DramaCraft-server/models"
	"DramaCraft-server/store"
)

// ConflictChooser 登录时两端都非空的抉择回调，返回 true 表示采用远端
type ConflictChooser func(summary merge.Summary) bool

// ProjectChannel 项目数据同步通道。
// 登录拉取一次远端，之后本地每次变更触发防抖保存；
// 保存携带已知版本做乐观并发，409 时以服务端快照为新基线做内容合并再续传。
type ProjectChannel struct {
	mu        sync.Mutex
	transport Transport
	store     *store.ProjectStore
	backup    BackupStore
	chooser   ConflictChooser
	onError   func(error)

	debounce time.Duration
	timer    *time.Timer
	saving   bool
	dirty    bool
	closed   bool
	disabled bool

	hasLoadedRemote bool
	remoteUpdatedAt int64
	// base 最近一次与服务端对齐的快照，增量判空的参照
	base *models.ProjectData

	state models.SyncChannelState
}

type ProjectChannelOptions struct {
	Debounce time.Duration
	Disabled bool
	Chooser  ConflictChooser
	OnError  func(error)
}

// OptionsForUser 按灰度配置生成通道选项：白名单/放量之外的账号通道关闭
func OptionsForUser(userID string) ProjectChannelOptions {
	opts := ProjectChannelOptions{Disabled: !config.SyncEnabledFor(userID)}
	if config.AppConfig != nil {
		opts.Debounce = time.Duration(config.AppConfig.Sync.DebounceMs) * time.Millisecond
	}
	return opts
}

func NewProjectChannel(t Transport, st *store.ProjectStore, backup BackupStore, opts ProjectChannelOptions) *ProjectChannel {
	c := &ProjectChannel{
		transport: t,
		store:     st,
		backup:    backup,
		chooser:   opts.Chooser,
		onError:   opts.OnError,
		debounce:  opts.Debounce,
		disabled:  opts.Disabled,
		state:     models.SyncChannelState{Status: models.ChannelStatusIdle},
	}
	if c.debounce <= 0 {
		c.debounce = 1200 * time.Millisecond
	}
	if c.disabled {
		c.state.Status = models.ChannelStatusDisabled
	}
	// 本地任何变更都经过状态容器，这里挂上防抖保存
	st.OnChange(c.NotifyChange)
	return c
}

// State 返回通道当前状态快照
func (c *ProjectChannel) State() models.SyncChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Load 登录后执行一次的远端拉取。任何失败都吞掉并照样标记已加载，
// 保证初次拉取失败时本地编辑仍可继续保存（启动期可用性优先）。
func (c *ProjectChannel) Load(ctx context.Context) {
	c.mu.Lock()
	if c.disabled || c.hasLoadedRemote {
		c.mu.Unlock()
		return
	}
	c.state.Status = models.ChannelStatusLoading
	c.state.LastAttemptAt = time.Now()
	c.mu.Unlock()

	env, err := c.transport.FetchProject(ctx)

	c.mu.Lock()
	c.hasLoadedRemote = true
	if err == ErrNotFound {
		// 远端尚无数据，后续保存阶段会把本地推上去
		c.state.Status = models.ChannelStatusSynced
		c.state.LastSyncAt = time.Now()
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.state.Status = models.ChannelStatusError
		c.state.LastError = err.Error()
		onError := c.onError
		c.mu.Unlock()
		if onError != nil {
			onError(err)
		}
		return
	}

	remote := env.ProjectData
	local := c.store.Get()
	c.remoteUpdatedAt = env.UpdatedAt
	chooser := c.chooser
	c.mu.Unlock()

	adoptRemote := false
	switch {
	case remote.IsEmpty():
		// 远端为空（或两端都空）：保持本地，等下一次保存推送
	case local.IsEmpty():
		// 仅远端有内容：无条件采用
		adoptRemote = true
	default:
		// 两端都有内容，弹出抉择
		c.mu.Lock()
		c.state.Status = models.ChannelStatusConflict
		c.mu.Unlock()
		adoptRemote = true
		if chooser != nil {
			adoptRemote = chooser(merge.Summarize(remote, local))
		}
		if adoptRemote {
			c.backupSnapshot(BackupKeyLocal, local)
		} else {
			// 保留本地，远端备份后等待下一次保存覆盖
			c.backupSnapshot(BackupKeyRemote, remote)
		}
	}
	if adoptRemote {
		// Replace 触发 OnChange 回调重入 NotifyChange，不能持锁调用
		c.store.Replace(remote)
	}

	c.mu.Lock()
	if adoptRemote {
		c.base = &remote
	}
	c.state.Status = models.ChannelStatusSynced
	c.state.LastSyncAt = time.Now()
	c.state.LastError = ""
	c.mu.Unlock()
}

// NotifyChange 本地快照变化，安排一次防抖保存
func (c *ProjectChannel) NotifyChange() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled || c.closed || !c.hasLoadedRemote {
		return
	}
	c.state.PendingOps = 1
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, func() {
		c.SaveNow(context.Background())
	})
}

// SaveNow 立即执行一次保存。同一时刻最多一个在途写；
// 期间又有变更则保存完成后再补一轮。
func (c *ProjectChannel) SaveNow(ctx context.Context) {
	c.mu.Lock()
	if c.disabled || c.closed || !c.hasLoadedRemote {
		c.mu.Unlock()
		return
	}
	if c.saving {
		c.dirty = true
		c.mu.Unlock()
		return
	}
	current := c.store.Get()
	if c.base != nil && delta.IsDeltaEmpty(delta.ComputeDelta(current, c.base)) {
		// 没有要同步的内容
		c.state.PendingOps = 0
		c.state.Status = models.ChannelStatusSynced
		c.mu.Unlock()
		return
	}
	c.saving = true
	c.state.Status = models.ChannelStatusSyncing
	c.state.LastAttemptAt = time.Now()
	baseVersion := c.remoteUpdatedAt
	c.mu.Unlock()

	newVersion, conflict, err := c.transport.PushProject(ctx, current, baseVersion)

	c.mu.Lock()
	c.saving = false
	switch {
	case err != nil:
		// 瞬态失败：状态置错，下一次变更的防抖周期自然重试
		c.state.Status = models.ChannelStatusError
		c.state.LastError = err.Error()
		c.state.RetryCount++
		if c.onError != nil {
			c.onError(err)
		}
	case conflict != nil:
		// 版本冲突不是错误：备份本地落败快照，
		// 以服务端快照为新基线做内容合并，本地独有的进展下个周期续传
		c.backupSnapshot(BackupKeyLocal, current)
		result := merge.Merge(conflict.ProjectData, current)
		if len(result.Conflicts) > 0 {
			log.Printf("[Sync] 项目合并存在 %d 处分歧: %s", len(result.Conflicts), strings.Join(result.Conflicts, ", "))
		}
		c.remoteUpdatedAt = conflict.UpdatedAt
		serverData := conflict.ProjectData
		c.base = &serverData
		c.state.Status = models.ChannelStatusSynced
		c.state.LastSyncAt = time.Now()
		c.state.RetryCount = 0
		c.dirty = true
		c.mu.Unlock()
		// 合并结果写回本地（触发下一轮防抖保存续传本地进展）
		c.store.Replace(result.Merged)
		c.mu.Lock()
	default:
		c.remoteUpdatedAt = newVersion
		c.base = &current
		c.state.Status = models.ChannelStatusSynced
		c.state.LastSyncAt = time.Now()
		c.state.LastError = ""
		c.state.PendingOps = 0
		c.state.RetryCount = 0
	}
	redo := c.dirty
	c.dirty = false
	c.mu.Unlock()

	if redo {
		c.scheduleRedo()
	}
}

func (c *ProjectChannel) scheduleRedo() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.disabled {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, func() {
		c.SaveNow(context.Background())
	})
}

func (c *ProjectChannel) backupSnapshot(key string, data models.ProjectData) {
	if c.backup == nil {
		return
	}
	if err := c.backup.SaveProjectBackup(key, data); err != nil {
		log.Printf("[Sync] 备份 %s 失败: %v", key, err)
	}
}

// Close 停掉防抖定时器；在途请求不中断，完成后不再调度
func (c *ProjectChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
