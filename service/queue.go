package service

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"DramaCraft-server/config"

	"github.com/hibiken/asynq"
)

const (
	TypePhaseRun = "phase:run"
)

// 服务端可执行的生成阶段
const (
	PhaseAnalysis    = "analysis"
	PhaseShots       = "shots"
	PhaseSora        = "sora"
	PhaseStoryboard  = "storyboard"
	PhaseVideoSubmit = "video_submit"
)

// PhasePayload 一次服务端阶段执行请求
type PhasePayload struct {
	UserID       string `json:"user_id"`
	Phase        string `json:"phase"`
	EpisodeIndex int    `json:"episode_index"`      // 0 基集序号，-1 表示从头扫描
	ShotID       string `json:"shot_id,omitempty"`  // video_submit 用
	Force        bool   `json:"force"`              // 重试时强制重新生成
	Auto         bool   `json:"auto"`               // 自动逐集推进
}

var QueueClient *asynq.Client

// InitQueue 初始化
func InitQueue() {
	QueueClient = asynq.NewClient(asynq.RedisClientOpt{
		Addr:     config.AppConfig.Redis.Addr,
		Password: config.AppConfig.Redis.Password,
	})
}

// EnqueuePhaseRun 阶段执行任务入队
func EnqueuePhaseRun(p PhasePayload) error {
	if p.Phase == "" {
		return fmt.Errorf("phase is required")
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(TypePhaseRun, payload,
		asynq.MaxRetry(3),             // 失败重试 3 次
		asynq.Timeout(20*time.Minute), // 批量生成较慢，设置较长超时
		asynq.Retention(24*time.Hour), // 任务结果在 Redis 保留时间
	)

	info, err := QueueClient.Enqueue(task)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}

	log.Printf("[Queue] Phase Enqueued: user=%s phase=%s queueID=%s", p.UserID, p.Phase, info.ID)
	return nil
}
