package syncer

import (
	"context"
	"log"
	"sync"
	"time"

	"DramaCraft-server/models"

	"github.com/google/uuid"
)

// SecretsChannel 密钥同步通道。
// 载荷很小但丢失代价高，所以比项目通道多一层韧性：
// 单槽待办队列（新变更覆盖旧载荷，只有最新值值得持久化）、
// 加载与保存各自独立的倍增退避、每次请求携带设备标识。
// 密钥没有可合并的内容，409 一律采用服务端值（真 last-writer-wins）。
type SecretsChannel struct {
	mu        sync.Mutex
	transport Transport
	onApply   func(models.Secrets) // 服务端值落地到本地配置

	secrets models.Secrets
	version int64

	pendingOp *secretsOp // 至多一个排队中的保存操作
	saving    bool
	closed    bool
	disabled  bool

	loadBackoff *Backoff
	saveBackoff *Backoff
	loadTimer   *time.Timer
	saveTimer   *time.Timer

	state models.SyncChannelState
}

type secretsOp struct {
	Secrets models.Secrets
	OpID    string
}

type SecretsChannelOptions struct {
	Disabled bool
	OnApply  func(models.Secrets)
	Backoff  *Backoff // 测试注入用；nil 取默认 1s 起步、15s 封顶
}

func NewSecretsChannel(t Transport, opts SecretsChannelOptions) *SecretsChannel {
	c := &SecretsChannel{
		transport:   t,
		onApply:     opts.OnApply,
		disabled:    opts.Disabled,
		loadBackoff: NewBackoff(time.Second, 15*time.Second),
		saveBackoff: NewBackoff(time.Second, 15*time.Second),
		state:       models.SyncChannelState{Status: models.ChannelStatusIdle},
	}
	if opts.Backoff != nil {
		c.loadBackoff = NewBackoff(opts.Backoff.Base, opts.Backoff.Max)
		c.saveBackoff = NewBackoff(opts.Backoff.Base, opts.Backoff.Max)
	}
	if c.disabled {
		c.state.Status = models.ChannelStatusDisabled
	}
	return c
}

func (c *SecretsChannel) State() models.SyncChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Secrets 当前本地密钥
func (c *SecretsChannel) Secrets() models.Secrets {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secrets
}

// Load 拉取远端密钥，失败按退避自动重试，成功即归零计数
func (c *SecretsChannel) Load(ctx context.Context) {
	c.mu.Lock()
	if c.disabled || c.closed {
		c.mu.Unlock()
		return
	}
	c.state.Status = models.ChannelStatusLoading
	c.state.LastAttemptAt = time.Now()
	c.mu.Unlock()

	env, err := c.transport.FetchSecrets(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err == ErrNotFound {
		c.loadBackoff.Reset()
		c.state.Status = models.ChannelStatusSynced
		c.state.LastSyncAt = time.Now()
		return
	}
	if err != nil {
		c.state.Status = models.ChannelStatusError
		c.state.LastError = err.Error()
		c.state.RetryCount = c.loadBackoff.Attempts() + 1
		delay := c.loadBackoff.Next()
		log.Printf("[Sync] 密钥加载失败，%v 后重试: %v", delay, err)
		if c.loadTimer != nil {
			c.loadTimer.Stop()
		}
		c.loadTimer = time.AfterFunc(delay, func() {
			c.Load(context.Background())
		})
		return
	}
	c.loadBackoff.Reset()
	c.secrets = env.Secrets
	c.version = env.UpdatedAt
	c.state.Status = models.ChannelStatusSynced
	c.state.LastSyncAt = time.Now()
	c.state.LastError = ""
	c.state.RetryCount = 0
	if c.onApply != nil {
		c.onApply(env.Secrets)
	}
}

// SetLocal 本地密钥变更：覆盖待办槽位（last-write 合并）并尽快保存
func (c *SecretsChannel) SetLocal(s models.Secrets) {
	c.mu.Lock()
	if c.disabled || c.closed {
		c.mu.Unlock()
		return
	}
	c.secrets = s
	c.pendingOp = &secretsOp{Secrets: s, OpID: uuid.NewString()}
	c.state.PendingOps = 1
	saving := c.saving
	c.mu.Unlock()
	if !saving {
		c.Flush(context.Background())
	}
}

// Flush 执行一次保存：取走槽位载荷推送。
// 失败时载荷放回槽位（若期间没有新值覆盖）并按退避重试。
func (c *SecretsChannel) Flush(ctx context.Context) {
	c.mu.Lock()
	if c.disabled || c.closed || c.saving || c.pendingOp == nil {
		c.mu.Unlock()
		return
	}
	op := c.pendingOp
	c.pendingOp = nil
	c.saving = true
	c.state.Status = models.ChannelStatusSyncing
	c.state.LastAttemptAt = time.Now()
	baseVersion := c.version
	c.mu.Unlock()

	newVersion, conflict, err := c.transport.PushSecrets(ctx, op.Secrets, baseVersion, op.OpID)

	c.mu.Lock()
	c.saving = false
	switch {
	case err != nil:
		// 槽位为空才放回：期间的新值优先
		if c.pendingOp == nil {
			c.pendingOp = op
		}
		c.state.Status = models.ChannelStatusError
		c.state.LastError = err.Error()
		c.state.RetryCount = c.saveBackoff.Attempts() + 1
		delay := c.saveBackoff.Next()
		log.Printf("[Sync] 密钥保存失败，%v 后重试: %v", delay, err)
		if c.saveTimer != nil {
			c.saveTimer.Stop()
		}
		c.saveTimer = time.AfterFunc(delay, func() {
			c.Flush(context.Background())
		})
		c.mu.Unlock()
		return
	case conflict != nil:
		// 服务端已有更新的值：直接采用（密钥无字段级合并可言）
		c.secrets = conflict.Secrets
		c.version = conflict.UpdatedAt
		c.saveBackoff.Reset()
		c.state.Status = models.ChannelStatusSynced
		c.state.LastSyncAt = time.Now()
		c.state.LastError = ""
		c.state.PendingOps = 0
		c.state.RetryCount = 0
		apply := c.onApply
		applied := conflict.Secrets
		c.mu.Unlock()
		if apply != nil {
			apply(applied)
		}
		return
	default:
		c.version = newVersion
		c.saveBackoff.Reset()
		c.state.Status = models.ChannelStatusSynced
		c.state.LastSyncAt = time.Now()
		c.state.LastError = ""
		c.state.RetryCount = 0
		if c.pendingOp == nil {
			c.state.PendingOps = 0
		}
	}
	again := c.pendingOp != nil
	c.mu.Unlock()
	if again {
		c.Flush(ctx)
	}
}

// Close 停掉重试定时器，不中断在途请求
func (c *SecretsChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.loadTimer != nil {
		c.loadTimer.Stop()
	}
	if c.saveTimer != nil {
		c.saveTimer.Stop()
	}
}
