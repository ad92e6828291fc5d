package service

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"DramaCraft-server/models"
	"DramaCraft-server/store"
)

// VideoPoller 后台轮询器：按固定间隔推进分镜级视频任务状态。
// 拉模式，没有回调/webhook，状态新鲜度以轮询间隔为界。
type VideoPoller struct {
	Store    *store.ProjectStore
	Video    VideoService
	Interval time.Duration
	// HasCredentials 未配置视频服务凭据时整轮跳过
	HasCredentials func() bool
	// Archive 可选：完成的视频归档到对象存储，返回替换用的 URL
	Archive func(ctx context.Context, shotID, sourceURL string) (string, error)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewVideoPoller(st *store.ProjectStore, v VideoService, interval time.Duration) *VideoPoller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &VideoPoller{Store: st, Video: v, Interval: interval}
}

func (p *VideoPoller) Start() {
	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.Tick(context.Background())
			}
		}
	}()
}

// Stop 停止调度；在途的状态查询不中断，查完落地后退出
func (p *VideoPoller) Stop() {
	if p.stopCh != nil {
		close(p.stopCh)
		p.wg.Wait()
	}
}

type pollTarget struct {
	EpisodeID int
	ShotID    string
	VideoID   string
	Status    string
}

// Tick 单轮轮询。单个任务查询失败只标记那一个分镜，不中断其余。
func (p *VideoPoller) Tick(ctx context.Context) {
	snapshot := p.Store.Get()
	var targets []pollTarget
	for i := range snapshot.Episodes {
		ep := &snapshot.Episodes[i]
		for j := range ep.Shots {
			s := &ep.Shots[j]
			if (s.VideoStatus == models.VideoStatusQueued || s.VideoStatus == models.VideoStatusGenerating) && s.VideoID != "" {
				targets = append(targets, pollTarget{EpisodeID: ep.ID, ShotID: s.ID, VideoID: s.VideoID, Status: s.VideoStatus})
			}
		}
	}
	if len(targets) == 0 {
		return
	}
	if p.HasCredentials != nil && !p.HasCredentials() {
		return
	}

	for _, t := range targets {
		status, err := p.Video.CheckVideoTask(ctx, t.VideoID)
		if err != nil {
			p.updateShot(t.EpisodeID, t.ShotID, func(s *models.Shot) {
				s.VideoStatus = models.VideoStatusError
				s.VideoErrorMsg = err.Error()
			})
			continue
		}
		switch status.State {
		case VideoTaskSucceeded:
			url := status.URL
			if p.Archive != nil && url != "" {
				if archived, aerr := p.Archive(ctx, t.ShotID, url); aerr == nil {
					url = archived
				} else {
					log.Printf("[Poll] 分镜 %s 视频归档失败，保留源地址: %v", t.ShotID, aerr)
				}
			}
			// 成功计数在完成转换时记，提交本身不算成功
			p.Store.Update(func(pd models.ProjectData) models.ProjectData {
				if _, e := pd.EpisodeByID(t.EpisodeID); e != nil {
					for i := range e.Shots {
						if e.Shots[i].ID == t.ShotID {
							e.Shots[i].VideoStatus = models.VideoStatusCompleted
							e.Shots[i].VideoURL = url
							e.Shots[i].VideoErrorMsg = ""
							pd.Stats.Video.Success++
							break
						}
					}
				}
				return pd
			})
		case VideoTaskProcessing:
			// 任务离开排队即提升为 generating，其余不动
			if t.Status == models.VideoStatusQueued {
				p.updateShot(t.EpisodeID, t.ShotID, func(s *models.Shot) {
					s.VideoStatus = models.VideoStatusGenerating
				})
			}
		case VideoTaskQueued:
			// 仍在排队
		default:
			// 其余一律视为终态失败
			msg := status.ErrorMsg
			if msg == "" {
				msg = fmt.Sprintf("provider state: %s", status.State)
			}
			p.updateShot(t.EpisodeID, t.ShotID, func(s *models.Shot) {
				s.VideoStatus = models.VideoStatusError
				s.VideoErrorMsg = msg
			})
		}
	}
}

// updateShot 只改目标分镜，同一次更新不触碰其他分镜
func (p *VideoPoller) updateShot(epID int, shotID string, fn func(*models.Shot)) {
	p.Store.Update(func(pd models.ProjectData) models.ProjectData {
		if _, e := pd.EpisodeByID(epID); e != nil {
			for i := range e.Shots {
				if e.Shots[i].ID == shotID {
					fn(&e.Shots[i])
					break
				}
			}
		}
		return pd
	})
}

// episodeIDAt 把 0 基集序号换成集 ID，越界返回 0（集 ID 从 1 起）
func episodeIDAt(p models.ProjectData, index int) int {
	if index < 0 || index >= len(p.Episodes) {
		return 0
	}
	return p.Episodes[index].ID
}

// SubmitShotVideo 把单个分镜送入视频生成队列
func SubmitShotVideo(ctx context.Context, st *store.ProjectStore, v VideoService, epID int, shotID string) error {
	snapshot := st.Get()
	_, ep := snapshot.EpisodeByID(epID)
	if ep == nil {
		return fmt.Errorf("episode not found: %d", epID)
	}
	var shot *models.Shot
	for i := range ep.Shots {
		if ep.Shots[i].ID == shotID {
			shot = &ep.Shots[i]
			break
		}
	}
	if shot == nil {
		return fmt.Errorf("shot not found: %s", shotID)
	}
	prompt := shot.FinalVideoPrompt
	if prompt == "" {
		prompt = shot.SoraPrompt
	}
	if prompt == "" {
		return fmt.Errorf("分镜 %s 还没有可用的视频提示词", shotID)
	}

	taskID, err := v.SubmitVideoTask(ctx, prompt, shot.VideoParams)
	if err != nil {
		st.Update(func(pd models.ProjectData) models.ProjectData {
			if _, e := pd.EpisodeByID(epID); e != nil {
				for i := range e.Shots {
					if e.Shots[i].ID == shotID {
						e.Shots[i].VideoStatus = models.VideoStatusError
						e.Shots[i].VideoErrorMsg = err.Error()
					}
				}
			}
			pd.Stats.Video.Error++
			return pd
		})
		return err
	}
	now := time.Now().UnixMilli()
	st.Update(func(pd models.ProjectData) models.ProjectData {
		if _, e := pd.EpisodeByID(epID); e != nil {
			for i := range e.Shots {
				if e.Shots[i].ID == shotID {
					e.Shots[i].VideoStatus = models.VideoStatusQueued
					e.Shots[i].VideoID = taskID
					e.Shots[i].VideoStartTime = now
					e.Shots[i].VideoErrorMsg = ""
					e.Shots[i].FinalVideoPrompt = prompt
				}
			}
		}
		return pd
	})
	log.Printf("[Video] 分镜 %s 已提交视频任务: %s", shotID, taskID)
	return nil
}
