package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"DramaCraft-server/config"
	"DramaCraft-server/merge"
	"DramaCraft-server/models"
	"DramaCraft-server/store"
	"DramaCraft-server/workflow"

	"github.com/hibiken/asynq"
	"gorm.io/gorm"
)

// 运行中阶段的取消注册表（userID -> cancelFunc）
var phaseCancelRegistry = struct {
	sync.RWMutex
	m map[string]context.CancelFunc
}{
	m: make(map[string]context.CancelFunc),
}

// RegisterPhaseCancel 注册运行中阶段的 cancelFunc
func RegisterPhaseCancel(userID string, cancel context.CancelFunc) {
	phaseCancelRegistry.Lock()
	defer phaseCancelRegistry.Unlock()
	phaseCancelRegistry.m[userID] = cancel
}

// UnregisterPhaseCancel 阶段执行结束时注销
func UnregisterPhaseCancel(userID string) {
	phaseCancelRegistry.Lock()
	defer phaseCancelRegistry.Unlock()
	delete(phaseCancelRegistry.m, userID)
}

// CancelPhaseRun 外部调用以取消该账号正在执行的阶段，返回是否实际找到
func CancelPhaseRun(userID string) bool {
	phaseCancelRegistry.Lock()
	defer phaseCancelRegistry.Unlock()
	if cancel, ok := phaseCancelRegistry.m[userID]; ok {
		cancel()
		delete(phaseCancelRegistry.m, userID)
		return true
	}
	return false
}

// Processor 消费阶段执行任务：取出账号的项目聚合，在内存里跑生成器，再写回
type Processor struct {
	DB *gorm.DB
}

func NewProcessor(db *gorm.DB) *Processor {
	return &Processor{DB: db}
}

// StartProcessor 启动任务消费者
func (p *Processor) StartProcessor(concurrency int) {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     config.AppConfig.Redis.Addr,
			Password: config.AppConfig.Redis.Password,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"default": 1,
			},
		},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypePhaseRun, p.HandlePhaseRun)

	log.Printf("Starting Phase Processor with concurrency %d...", concurrency)
	go func() {
		if err := srv.Run(mux); err != nil {
			log.Fatalf("could not run server: %v", err)
		}
	}()
}

// HandlePhaseRun 核心处理逻辑：加载 -> 执行 -> 带版本写回
func (p *Processor) HandlePhaseRun(ctx context.Context, t *asynq.Task) error {
	var payload PhasePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	log.Printf("Processing Phase: user=%s phase=%s episode=%d", payload.UserID, payload.Phase, payload.EpisodeIndex)

	rec, err := models.GetProjectRecord(p.DB, payload.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("project not found for %s: %w", payload.UserID, asynq.SkipRetry)
		}
		return fmt.Errorf("load project failed: %w", err)
	}
	baseVersion := rec.Version

	secrets := models.Secrets{}
	if sec, err := models.GetSecretsRecord(p.DB, payload.UserID); err == nil {
		secrets = sec.Secrets
	}

	st := store.New(rec.Data)
	wf := workflow.NewEngine()
	wf.Dispatch(workflow.Action{Type: workflow.ActionSetStep, Step: workflow.InferStep(&rec.Data)})
	provider := NewProviderClient(config.AppConfig.AI.TextAPI, config.AppConfig.AI.VideoAPI, secrets)
	gen := NewGenerator(st, provider, wf)

	runCtx, cancel := context.WithCancel(ctx)
	RegisterPhaseCancel(payload.UserID, cancel)
	defer UnregisterPhaseCancel(payload.UserID)

	var runErr error
	switch payload.Phase {
	case PhaseAnalysis:
		runErr = gen.RunAnalysis(runCtx)
	case PhaseShots:
		if payload.Force {
			runErr = gen.RetryEpisodeShots(runCtx, payload.EpisodeIndex, payload.Auto)
		} else {
			runErr = gen.GenerateShots(runCtx, payload.EpisodeIndex, payload.Auto)
		}
	case PhaseSora:
		runErr = gen.GenerateSoraPrompts(runCtx, payload.EpisodeIndex, payload.Force, payload.Auto)
	case PhaseStoryboard:
		runErr = gen.GenerateStoryboardPrompts(runCtx, payload.EpisodeIndex, payload.Force, payload.Auto)
	case PhaseVideoSubmit:
		// 载荷里是 0 基集序号，提交接口按集 ID 寻址
		epID := episodeIDAt(st.Get(), payload.EpisodeIndex)
		if epID == 0 {
			runErr = fmt.Errorf("episode index out of range: %d", payload.EpisodeIndex)
		} else {
			runErr = SubmitShotVideo(runCtx, st, provider, epID, payload.ShotID)
			if runErr == nil {
				p.pollShotUntilDone(runCtx, st, provider, epID, payload.ShotID)
			}
		}
	default:
		return fmt.Errorf("unknown phase: %s: %w", payload.Phase, asynq.SkipRetry)
	}

	// 部分完成的进度也要落库，业务失败不触发队列重试
	result := st.Get()
	if err := p.persist(payload.UserID, result, baseVersion); err != nil {
		models.AppendAudit(p.DB, payload.UserID, "save", "error", err.Error())
		return fmt.Errorf("persist phase result failed: %w", err)
	}

	if runErr != nil {
		log.Printf("[Error] 阶段执行失败: user=%s phase=%s err=%v", payload.UserID, payload.Phase, runErr)
		models.AppendAudit(p.DB, payload.UserID, "save", "ok", fmt.Sprintf("phase %s halted: %v", payload.Phase, runErr))
		return nil
	}

	models.AppendAudit(p.DB, payload.UserID, "save", "ok", "phase "+payload.Phase)
	log.Printf("Phase %s completed for user %s", payload.Phase, payload.UserID)
	return nil
}

// pollShotUntilDone 提交后轮询供应商直到分镜进入终态或任务被取消。
// 完成的视频经 minio 归档后把预签名地址写回分镜。
func (p *Processor) pollShotUntilDone(ctx context.Context, st *store.ProjectStore, v VideoService, epID int, shotID string) {
	interval := 5 * time.Second
	if config.AppConfig != nil && config.AppConfig.Sync.PollIntervalS > 0 {
		interval = time.Duration(config.AppConfig.Sync.PollIntervalS) * time.Second
	}
	poller := NewVideoPoller(st, v, interval)
	poller.Archive = ArchiveRemoteVideo

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		poller.Tick(ctx)
		snapshot := st.Get()
		if _, ep := snapshot.EpisodeByID(epID); ep != nil {
			for i := range ep.Shots {
				if ep.Shots[i].ID != shotID {
					continue
				}
				switch ep.Shots[i].VideoStatus {
				case models.VideoStatusCompleted, models.VideoStatusError:
					return
				}
			}
		}
	}
}

// persist 带版本写回；执行期间别的端推了新版本时，把两边内容合并后覆盖
func (p *Processor) persist(userID string, data models.ProjectData, baseVersion int64) error {
	saved, err := models.SaveProjectRecord(p.DB, userID, data, baseVersion)
	if err == nil {
		return nil
	}
	if !errors.Is(err, models.ErrVersionConflict) {
		return err
	}
	res := merge.Merge(saved.Data, data)
	if len(res.Conflicts) > 0 {
		log.Printf("[Merge] 写回冲突 %d 处，按远端优先合并: user=%s", len(res.Conflicts), userID)
		models.AppendAudit(p.DB, userID, "conflict", "ok", fmt.Sprintf("%d conflicts on phase write-back", len(res.Conflicts)))
	}
	_, err = models.ForceProjectRecord(p.DB, userID, res.Merged)
	return err
}
