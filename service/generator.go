package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"DramaCraft-server/models"
	"DramaCraft-server/store"
	"DramaCraft-server/workflow"
)

// Generator 各阶段生成器：分镜表按集生成，Sora/分镜脚本提示词按场景块生成。
// 三个阶段共用同一套推进骨架，仅外部调用、完成标准与分块方式不同。
type Generator struct {
	Store    *store.ProjectStore
	Text     TextGenerator
	Workflow *workflow.Engine
	// ChunkDelay 场景块之间的人为间隔，对外部供应商的客户端限速，非正确性要求
	ChunkDelay time.Duration
}

func NewGenerator(st *store.ProjectStore, text TextGenerator, wf *workflow.Engine) *Generator {
	return &Generator{Store: st, Text: text, Workflow: wf, ChunkDelay: 300 * time.Millisecond}
}

// ----------------------------------------------------------------------------
// 分镜表生成（按集）
// ----------------------------------------------------------------------------

type shotListResponse struct {
	Shots []struct {
		ID          string  `json:"id"`
		Duration    float64 `json:"duration,omitempty"`
		ShotType    string  `json:"shotType,omitempty"`
		Movement    string  `json:"movement,omitempty"`
		Description string  `json:"description,omitempty"`
		Dialogue    string  `json:"dialogue,omitempty"`
	} `json:"shots"`
}

// GenerateShots 从 epIndex 开始生成分镜表。auto 为真时逐集推进直到
// 出错或没有待处理的集；为假时只处理这一集（手动单集运行）。
func (g *Generator) GenerateShots(ctx context.Context, epIndex int, auto bool) error {
	// 负数表示未指定起点：从头扫描，跳过已确认的集
	scan := epIndex < 0
	if scan {
		epIndex = 0
	}
	for {
		snapshot := g.Store.Get()
		if epIndex >= len(snapshot.Episodes) {
			g.Workflow.Dispatch(workflow.Action{Type: workflow.ActionSetProcessing, Processing: false})
			// 所有集都确认过分镜表才推进阶段
			if len(snapshot.Episodes) > 0 && !shotsRemaining(snapshot.Episodes) {
				g.Workflow.Dispatch(workflow.Action{Type: workflow.ActionSetStep, Step: workflow.StepGenerateSora})
			}
			return nil
		}
		ep := snapshot.Episodes[epIndex]
		// 已有分镜的集跳过（续跑时不重复生成）
		if len(ep.Shots) > 0 && ep.Status != models.EpisodeStatusPending && ep.Status != models.EpisodeStatusError {
			if !auto && !scan {
				return nil
			}
			epIndex++
			continue
		}
		epID := ep.ID

		g.Workflow.Dispatch(workflow.Action{Type: workflow.ActionSetCurrentEp, Index: epIndex})
		g.Workflow.Dispatch(workflow.Action{Type: workflow.ActionSetProcessing, Processing: true})
		g.Workflow.Dispatch(workflow.Action{Type: workflow.ActionSetStatus, Status: fmt.Sprintf("正在生成第 %d 集分镜表...", epID)})
		g.Store.Update(func(p models.ProjectData) models.ProjectData {
			if _, e := p.EpisodeByID(epID); e != nil {
				e.Status = models.EpisodeStatusGenerating
				e.ErrorMsg = ""
			}
			return p
		})

		req := TextRequest{
			Kind:    "shots",
			Prompt:  ep.Content,
			Context: buildShotContext(&snapshot, epIndex),
			Guide:   snapshot.ShotGuide,
		}
		result, err := g.Text.TextGenerate(ctx, req)
		if err != nil {
			g.failEpisode(epID, err, func(s *models.ProjectStats) { s.Shots.Error++ })
			return err
		}
		var parsed shotListResponse
		if perr := json.Unmarshal(result.Data, &parsed); perr != nil || len(parsed.Shots) == 0 {
			err := fmt.Errorf("分镜结果解析失败: %v", perr)
			g.failEpisode(epID, err, func(s *models.ProjectStats) { s.Shots.Error++ })
			return err
		}

		g.Store.Update(func(p models.ProjectData) models.ProjectData {
			_, e := p.EpisodeByID(epID)
			if e == nil {
				return p
			}
			e.Shots = e.Shots[:0]
			for _, s := range parsed.Shots {
				e.Shots = append(e.Shots, models.Shot{
					ID:          s.ID,
					Duration:    s.Duration,
					ShotType:    s.ShotType,
					Movement:    s.Movement,
					Description: s.Description,
					Dialogue:    s.Dialogue,
					VideoStatus: models.VideoStatusIdle,
				})
			}
			e.Status = models.EpisodeStatusConfirmedShots
			e.ShotUsage.Add(result.Usage)
			p.Phase1Usage.Add(result.Usage)
			p.Stats.Shots.Success++
			return p
		})
		log.Printf("[Generate] 第 %d 集分镜表完成，共 %d 个分镜", epID, len(parsed.Shots))

		g.Workflow.Dispatch(workflow.Action{Type: workflow.ActionSetProcessing, Processing: false})
		if !auto {
			return nil
		}
		epIndex++
	}
}

// RetryEpisodeShots 用户触发的单集重试：清掉该集分镜后重新生成
func (g *Generator) RetryEpisodeShots(ctx context.Context, epIndex int, auto bool) error {
	snapshot := g.Store.Get()
	if epIndex < 0 || epIndex >= len(snapshot.Episodes) {
		return fmt.Errorf("episode index out of range: %d", epIndex)
	}
	epID := snapshot.Episodes[epIndex].ID
	g.Store.Update(func(p models.ProjectData) models.ProjectData {
		if _, e := p.EpisodeByID(epID); e != nil {
			e.Shots = nil
			e.Status = models.EpisodeStatusPending
			e.ErrorMsg = ""
		}
		return p
	})
	return g.GenerateShots(ctx, epIndex, auto)
}

// buildShotContext 项目摘要 + 至多前 5 集的分集摘要（保证跨集连贯）
func buildShotContext(p *models.ProjectData, epIndex int) string {
	ctx := p.Context.ProjectSummary
	start := epIndex - 5
	if start < 0 {
		start = 0
	}
	for i := start; i < epIndex && i < len(p.Episodes); i++ {
		if sum, ok := p.Context.EpisodeSummaries[p.Episodes[i].ID]; ok && sum != "" {
			ctx += fmt.Sprintf("\n\n第 %d 集摘要: %s", p.Episodes[i].ID, sum)
		}
	}
	return ctx
}

// ----------------------------------------------------------------------------
// 提示词生成（Sora / 分镜脚本，按场景块）
// ----------------------------------------------------------------------------

type promptResponse struct {
	Prompts []struct {
		ShotID string `json:"shotId"`
		Prompt string `json:"prompt"`
	} `json:"prompts"`
}

// promptPhase 参数化两个提示词阶段的差异点
type promptPhase struct {
	kind             string
	generatingStatus string
	reviewStatus     string
	guide            func(p *models.ProjectData) string
	getPrompt        func(s *models.Shot) string
	setPrompt        func(s *models.Shot, v string)
	addEpisodeUsage  func(e *models.Episode, u models.Usage)
	addProjectUsage  func(p *models.ProjectData, u models.Usage)
	bumpStat         func(s *models.ProjectStats, success bool)
	findNext         func(eps []models.Episode, from int) int
}

var soraPhase = promptPhase{
	kind:             "sora",
	generatingStatus: models.EpisodeStatusGeneratingSora,
	reviewStatus:     models.EpisodeStatusReviewSora,
	guide:            func(p *models.ProjectData) string { return p.SoraGuide },
	getPrompt:        func(s *models.Shot) string { return s.SoraPrompt },
	setPrompt:        func(s *models.Shot, v string) { s.SoraPrompt = v },
	addEpisodeUsage:  func(e *models.Episode, u models.Usage) { e.SoraUsage.Add(u) },
	addProjectUsage:  func(p *models.ProjectData, u models.Usage) { p.Phase4Usage.Add(u) },
	bumpStat: func(s *models.ProjectStats, ok bool) {
		if ok {
			s.Sora.Success++
		} else {
			s.Sora.Error++
		}
	},
	findNext: FindNextSoraIndex,
}

var storyboardPhase = promptPhase{
	kind:             "storyboard",
	generatingStatus: models.EpisodeStatusGeneratingStoryboard,
	reviewStatus:     models.EpisodeStatusReviewStoryboard,
	guide:            func(p *models.ProjectData) string { return p.StoryboardGuide },
	getPrompt:        func(s *models.Shot) string { return s.StoryboardPrompt },
	setPrompt:        func(s *models.Shot, v string) { s.StoryboardPrompt = v },
	addEpisodeUsage:  func(e *models.Episode, u models.Usage) { e.StoryboardUsage.Add(u) },
	addProjectUsage:  func(p *models.ProjectData, u models.Usage) { p.Phase5Usage.Add(u) },
	bumpStat: func(s *models.ProjectStats, ok bool) {
		if ok {
			s.Storyboard.Success++
		} else {
			s.Storyboard.Error++
		}
	},
	findNext: FindNextStoryboardIndex,
}

// GenerateSoraPrompts 为一集生成视频提示词；auto 为真时完成后自动推进下一集
func (g *Generator) GenerateSoraPrompts(ctx context.Context, epIndex int, force, auto bool) error {
	return g.runPromptPhase(ctx, soraPhase, epIndex, force, auto)
}

// GenerateStoryboardPrompts 为一集生成分镜脚本提示词（与 Sora 阶段并行可选）
func (g *Generator) GenerateStoryboardPrompts(ctx context.Context, epIndex int, force, auto bool) error {
	return g.runPromptPhase(ctx, storyboardPhase, epIndex, force, auto)
}

func (g *Generator) runPromptPhase(ctx context.Context, phase promptPhase, epIndex int, force, auto bool) error {
	if epIndex < 0 {
		// 未指定起点：扫描到第一个提示词未完成的集；
		// 全部完成才允许收尾推进，没有可处理的集则原地返回
		eps := g.Store.Get().Episodes
		epIndex = phase.findNext(eps, 0)
		if epIndex < 0 {
			if promptsDone(eps, phase.getPrompt) {
				g.finishPromptPhase(phase)
			}
			return nil
		}
	}
	for {
		snapshot := g.Store.Get()
		if epIndex >= len(snapshot.Episodes) {
			if promptsDone(snapshot.Episodes, phase.getPrompt) {
				g.finishPromptPhase(phase)
			} else {
				g.Workflow.Dispatch(workflow.Action{Type: workflow.ActionSetProcessing, Processing: false})
			}
			return nil
		}
		ep := snapshot.Episodes[epIndex]
		if len(ep.Shots) == 0 {
			if !auto {
				return fmt.Errorf("第 %d 集还没有分镜表", ep.ID)
			}
			epIndex++
			continue
		}
		epID := ep.ID

		g.Workflow.Dispatch(workflow.Action{Type: workflow.ActionSetCurrentEp, Index: epIndex})
		g.Workflow.Dispatch(workflow.Action{Type: workflow.ActionSetProcessing, Processing: true})
		g.Store.Update(func(p models.ProjectData) models.ProjectData {
			if _, e := p.EpisodeByID(epID); e != nil {
				e.Status = phase.generatingStatus
				e.ErrorMsg = ""
			}
			return p
		})

		chunks := ChunkShots(ep.Shots)
		for ci, chunk := range chunks {
			// 已全部填好的场景块跳过：出错重跑只补未完成的块。
			// 判定要看合并后的最新状态，前一个块的结果可能已带上本块的提示词
			if !force && chunkComplete(latestChunk(g.Store.Get(), epID, chunk), phase.getPrompt) {
				continue
			}
			g.Workflow.Dispatch(workflow.Action{
				Type:   workflow.ActionSetStatus,
				Status: fmt.Sprintf("第 %d 集 场景 %s (%d/%d)...", epID, models.ScenePrefixOf(chunk[0].ID), ci+1, len(chunks)),
			})
			usage, err := g.generateChunk(ctx, phase, &snapshot, epID, chunk)
			if err != nil {
				g.failEpisode(epID, err, func(s *models.ProjectStats) { phase.bumpStat(s, false) })
				return err
			}
			// 块结果立即合并回状态，半途失败也保得住已完成的块
			g.Store.Update(func(p models.ProjectData) models.ProjectData {
				if _, e := p.EpisodeByID(epID); e != nil {
					phase.addEpisodeUsage(e, usage)
				}
				phase.addProjectUsage(&p, usage)
				return p
			})
			if ci < len(chunks)-1 && g.ChunkDelay > 0 {
				time.Sleep(g.ChunkDelay)
			}
		}

		g.Store.Update(func(p models.ProjectData) models.ProjectData {
			if _, e := p.EpisodeByID(epID); e != nil {
				e.Status = phase.reviewStatus
			}
			phase.bumpStat(&p.Stats, true)
			return p
		})
		g.Workflow.Dispatch(workflow.Action{Type: workflow.ActionSetProcessing, Processing: false})
		log.Printf("[Generate] 第 %d 集 %s 提示词完成", epID, phase.kind)

		if !auto {
			return nil
		}
		eps := g.Store.Get().Episodes
		next := phase.findNext(eps, epIndex+1)
		if next < 0 {
			if promptsDone(eps, phase.getPrompt) {
				g.finishPromptPhase(phase)
			}
			return nil
		}
		epIndex = next
		force = false
	}
}

// generateChunk 单个场景块的外部调用与结果回写，返回本块用量
func (g *Generator) generateChunk(ctx context.Context, phase promptPhase, snapshot *models.ProjectData, epID int, chunk []models.Shot) (models.Usage, error) {
	payload := map[string]interface{}{"shots": chunk}
	req := TextRequest{
		Kind:    phase.kind,
		Prompt:  chunkText(chunk),
		Context: snapshot.Context.ProjectSummary,
		Guide:   phase.guide(snapshot),
		Payload: payload,
	}
	result, err := g.Text.TextGenerate(ctx, req)
	if err != nil {
		return models.Usage{}, err
	}
	var parsed promptResponse
	if perr := json.Unmarshal(result.Data, &parsed); perr != nil || len(parsed.Prompts) == 0 {
		return models.Usage{}, fmt.Errorf("提示词结果解析失败: %v", perr)
	}
	byID := make(map[string]string, len(parsed.Prompts))
	for _, p := range parsed.Prompts {
		byID[p.ShotID] = p.Prompt
	}
	g.Store.Update(func(p models.ProjectData) models.ProjectData {
		_, e := p.EpisodeByID(epID)
		if e == nil {
			return p
		}
		for i := range e.Shots {
			if v, ok := byID[e.Shots[i].ID]; ok && v != "" {
				phase.setPrompt(&e.Shots[i], v)
			}
		}
		return p
	})
	return result.Usage, nil
}

func (g *Generator) finishPromptPhase(phase promptPhase) {
	g.Workflow.Dispatch(workflow.Action{Type: workflow.ActionSetProcessing, Processing: false})
	if phase.kind == "sora" {
		g.Workflow.Dispatch(workflow.Action{Type: workflow.ActionSetStep, Step: workflow.StepCompleted})
	}
}

// RetryEpisodePrompts 显式单集重试：清空该集全部提示词与用量后从零重跑
func (g *Generator) RetryEpisodePrompts(ctx context.Context, kind string, epIndex int, auto bool) error {
	phase := soraPhase
	if kind == "storyboard" {
		phase = storyboardPhase
	}
	snapshot := g.Store.Get()
	if epIndex < 0 || epIndex >= len(snapshot.Episodes) {
		return fmt.Errorf("episode index out of range: %d", epIndex)
	}
	epID := snapshot.Episodes[epIndex].ID
	g.Store.Update(func(p models.ProjectData) models.ProjectData {
		if _, e := p.EpisodeByID(epID); e != nil {
			for i := range e.Shots {
				phase.setPrompt(&e.Shots[i], "")
			}
			if phase.kind == "sora" {
				e.SoraUsage = models.Usage{}
			} else {
				e.StoryboardUsage = models.Usage{}
			}
			e.Status = models.EpisodeStatusConfirmedShots
			e.ErrorMsg = ""
		}
		return p
	})
	return g.runPromptPhase(ctx, phase, epIndex, true, auto)
}

// failEpisode 生成失败只影响这一集：置 error 状态并停住自动推进
func (g *Generator) failEpisode(epID int, err error, bump func(*models.ProjectStats)) {
	log.Printf("[Generate] 第 %d 集生成失败: %v", epID, err)
	g.Store.Update(func(p models.ProjectData) models.ProjectData {
		if _, e := p.EpisodeByID(epID); e != nil {
			e.Status = models.EpisodeStatusError
			e.ErrorMsg = err.Error()
		}
		bump(&p.Stats)
		return p
	})
	g.Workflow.Dispatch(workflow.Action{Type: workflow.ActionSetProcessing, Processing: false})
}

// ----------------------------------------------------------------------------
// 分块与续跑辅助
// ----------------------------------------------------------------------------

// ChunkShots 按场景前缀把分镜切块，保持首次出现顺序
func ChunkShots(shots []models.Shot) [][]models.Shot {
	var order []string
	groups := make(map[string][]models.Shot)
	for _, s := range shots {
		key := models.ScenePrefixOf(s.ID)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], s)
	}
	out := make([][]models.Shot, 0, len(order))
	for _, key := range order {
		out = append(out, groups[key])
	}
	return out
}

// latestChunk 用状态容器里的当前分镜替换块里的开跑快照副本
func latestChunk(p models.ProjectData, epID int, chunk []models.Shot) []models.Shot {
	_, e := p.EpisodeByID(epID)
	if e == nil {
		return chunk
	}
	byID := make(map[string]*models.Shot, len(e.Shots))
	for i := range e.Shots {
		byID[e.Shots[i].ID] = &e.Shots[i]
	}
	out := make([]models.Shot, 0, len(chunk))
	for _, s := range chunk {
		if cur, ok := byID[s.ID]; ok {
			out = append(out, *cur)
		} else {
			out = append(out, s)
		}
	}
	return out
}

// shotsRemaining 是否还有未确认分镜表的集
func shotsRemaining(eps []models.Episode) bool {
	for i := range eps {
		ep := &eps[i]
		if len(ep.Shots) == 0 || ep.Status == models.EpisodeStatusPending || ep.Status == models.EpisodeStatusError {
			return true
		}
	}
	return false
}

// promptsDone 全部集都有分镜表且每个分镜的该阶段提示词已填
func promptsDone(eps []models.Episode, get func(*models.Shot) string) bool {
	if len(eps) == 0 {
		return false
	}
	for i := range eps {
		if len(eps[i].Shots) == 0 {
			return false
		}
		for j := range eps[i].Shots {
			if get(&eps[i].Shots[j]) == "" {
				return false
			}
		}
	}
	return true
}

func chunkComplete(chunk []models.Shot, get func(*models.Shot) string) bool {
	for i := range chunk {
		if get(&chunk[i]) == "" {
			return false
		}
	}
	return len(chunk) > 0
}

func chunkText(chunk []models.Shot) string {
	text := ""
	for _, s := range chunk {
		text += fmt.Sprintf("[%s] %s %s\n", s.ID, s.Description, s.Dialogue)
	}
	return text
}

// FindNextSoraIndex 从 from 起找下一个有分镜但 Sora 提示词未完成的集，没有返回 -1
func FindNextSoraIndex(eps []models.Episode, from int) int {
	return findNextIncomplete(eps, from, func(s *models.Shot) string { return s.SoraPrompt },
		models.EpisodeStatusReviewSora)
}

// FindNextStoryboardIndex 分镜脚本阶段的对应扫描
func FindNextStoryboardIndex(eps []models.Episode, from int) int {
	return findNextIncomplete(eps, from, func(s *models.Shot) string { return s.StoryboardPrompt },
		models.EpisodeStatusReviewStoryboard)
}

func findNextIncomplete(eps []models.Episode, from int, get func(*models.Shot) string, reviewStatus string) int {
	if from < 0 {
		from = 0
	}
	for i := from; i < len(eps); i++ {
		ep := &eps[i]
		if len(ep.Shots) == 0 {
			continue
		}
		if ep.Status == reviewStatus || ep.Status == models.EpisodeStatusCompleted {
			continue
		}
		done := true
		for j := range ep.Shots {
			if get(&ep.Shots[j]) == "" {
				done = false
				break
			}
		}
		if !done {
			return i
		}
	}
	return -1
}
