package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"DramaCraft-server/models"
	"DramaCraft-server/workflow"
)

// 理解阶段：严格线性的六个子步骤。集合型步骤（分集摘要、角色深挖、
// 场地深挖）用工作流的通用队列跟踪批量进度，队列清空才允许确认推进。

// RunAnalysis 从头执行整个理解阶段。任一步失败即停，
// 错误由调用方落到审计/任务状态，已完成的结果保留。
func (g *Generator) RunAnalysis(ctx context.Context) error {
	g.Workflow.Dispatch(workflow.Action{Type: workflow.ActionSetStep, Step: workflow.StepSetupContext})

	steps := []struct {
		step workflow.AnalysisStep
		run  func(context.Context) error
	}{
		{workflow.AnalysisProjectSummary, g.analyzeProjectSummary},
		{workflow.AnalysisEpisodeSummaries, g.analyzeEpisodeSummaries},
		{workflow.AnalysisCharIdentification, g.identifyCharacters},
		{workflow.AnalysisCharDeepDive, g.deepDiveCharacters},
		{workflow.AnalysisLocIdentification, g.identifyLocations},
		{workflow.AnalysisLocDeepDive, g.deepDiveLocations},
	}
	for _, s := range steps {
		g.Workflow.Dispatch(workflow.Action{Type: workflow.ActionSetAnalysisStep, AnalysisStep: s.step})
		g.Workflow.Dispatch(workflow.Action{Type: workflow.ActionSetProcessing, Processing: true})
		if err := s.run(ctx); err != nil {
			g.Store.Update(func(p models.ProjectData) models.ProjectData {
				p.Stats.Analysis.Error++
				return p
			})
			g.Workflow.Dispatch(workflow.Action{Type: workflow.ActionSetProcessing, Processing: false})
			return fmt.Errorf("理解阶段 %s 失败: %w", s.step, err)
		}
		g.Workflow.Dispatch(workflow.Action{Type: workflow.ActionSetProcessing, Processing: false})
	}

	g.Store.Update(func(p models.ProjectData) models.ProjectData {
		p.Stats.Analysis.Success++
		return p
	})
	g.Workflow.Dispatch(workflow.Action{Type: workflow.ActionSetAnalysisStep, AnalysisStep: workflow.AnalysisComplete})
	g.Workflow.Dispatch(workflow.Action{Type: workflow.ActionSetStep, Step: workflow.StepGenerateShots})
	return nil
}

func (g *Generator) analyzeProjectSummary(ctx context.Context) error {
	snapshot := g.Store.Get()
	result, err := g.Text.TextGenerate(ctx, TextRequest{
		Kind:   "project_summary",
		Prompt: snapshot.RawScript,
		Guide:  snapshot.DramaGuide,
	})
	if err != nil {
		return err
	}
	var parsed struct {
		Summary string `json:"summary"`
	}
	if perr := json.Unmarshal(result.Data, &parsed); perr != nil || parsed.Summary == "" {
		return fmt.Errorf("项目摘要解析失败: %v", perr)
	}
	g.Store.Update(func(p models.ProjectData) models.ProjectData {
		p.Context.ProjectSummary = parsed.Summary
		p.ContextUsage.Add(result.Usage)
		return p
	})
	return nil
}

func (g *Generator) analyzeEpisodeSummaries(ctx context.Context) error {
	snapshot := g.Store.Get()
	queue := make([]workflow.WorkItem, 0, len(snapshot.Episodes))
	for _, ep := range snapshot.Episodes {
		queue = append(queue, workflow.WorkItem{Kind: "episode_summary", EpisodeID: ep.ID, Label: ep.Title})
	}
	g.Workflow.Dispatch(workflow.Action{Type: workflow.ActionSetQueue, Queue: queue})

	for _, item := range queue {
		_, ep := snapshot.EpisodeByID(item.EpisodeID)
		if ep == nil {
			g.Workflow.Dispatch(workflow.Action{Type: workflow.ActionShiftQueue})
			continue
		}
		result, err := g.Text.TextGenerate(ctx, TextRequest{
			Kind:    "episode_summary",
			Prompt:  ep.Content,
			Context: snapshot.Context.ProjectSummary,
		})
		if err != nil {
			return fmt.Errorf("第 %d 集摘要失败: %w", item.EpisodeID, err)
		}
		var parsed struct {
			Summary string `json:"summary"`
		}
		if perr := json.Unmarshal(result.Data, &parsed); perr != nil {
			return fmt.Errorf("第 %d 集摘要解析失败: %v", item.EpisodeID, perr)
		}
		epID := item.EpisodeID
		g.Store.Update(func(p models.ProjectData) models.ProjectData {
			if p.Context.EpisodeSummaries == nil {
				p.Context.EpisodeSummaries = make(map[int]string)
			}
			p.Context.EpisodeSummaries[epID] = parsed.Summary
			p.ContextUsage.Add(result.Usage)
			return p
		})
		g.Workflow.Dispatch(workflow.Action{Type: workflow.ActionShiftQueue})
	}
	return nil
}

func (g *Generator) identifyCharacters(ctx context.Context) error {
	snapshot := g.Store.Get()
	result, err := g.Text.TextGenerate(ctx, TextRequest{
		Kind:    "characters",
		Prompt:  snapshot.RawScript,
		Context: snapshot.Context.ProjectSummary,
	})
	if err != nil {
		return err
	}
	var parsed struct {
		Characters []models.Character `json:"characters"`
	}
	if perr := json.Unmarshal(result.Data, &parsed); perr != nil {
		return fmt.Errorf("角色识别解析失败: %v", perr)
	}
	g.Store.Update(func(p models.ProjectData) models.ProjectData {
		p.Context.Characters = parsed.Characters
		p.ContextUsage.Add(result.Usage)
		return p
	})
	log.Printf("[Analysis] 识别出 %d 个角色", len(parsed.Characters))
	return nil
}

func (g *Generator) deepDiveCharacters(ctx context.Context) error {
	snapshot := g.Store.Get()
	mains := snapshot.Context.MainCharacters()
	queue := make([]workflow.WorkItem, 0, len(mains))
	for _, c := range mains {
		queue = append(queue, workflow.WorkItem{Kind: "char_dive", EntityID: c.ID, Label: c.Name})
	}
	g.Workflow.Dispatch(workflow.Action{Type: workflow.ActionSetQueue, Queue: queue})

	for _, item := range queue {
		result, err := g.Text.TextGenerate(ctx, TextRequest{
			Kind:    "char_dive",
			Prompt:  item.Label,
			Context: snapshot.Context.ProjectSummary,
			Payload: map[string]interface{}{"characterId": item.EntityID},
		})
		if err != nil {
			return fmt.Errorf("角色 %s 深挖失败: %w", item.Label, err)
		}
		var parsed struct {
			Bio   string                 `json:"bio"`
			Forms []models.CharacterForm `json:"forms"`
		}
		if perr := json.Unmarshal(result.Data, &parsed); perr != nil {
			return fmt.Errorf("角色 %s 深挖解析失败: %v", item.Label, perr)
		}
		charID := item.EntityID
		g.Store.Update(func(p models.ProjectData) models.ProjectData {
			for i := range p.Context.Characters {
				if p.Context.Characters[i].ID == charID {
					p.Context.Characters[i].Bio = parsed.Bio
					p.Context.Characters[i].Forms = parsed.Forms
				}
			}
			p.ContextUsage.Add(result.Usage)
			return p
		})
		g.Workflow.Dispatch(workflow.Action{Type: workflow.ActionShiftQueue})
	}
	return nil
}

func (g *Generator) identifyLocations(ctx context.Context) error {
	snapshot := g.Store.Get()
	result, err := g.Text.TextGenerate(ctx, TextRequest{
		Kind:    "locations",
		Prompt:  snapshot.RawScript,
		Context: snapshot.Context.ProjectSummary,
	})
	if err != nil {
		return err
	}
	var parsed struct {
		Locations []models.Location `json:"locations"`
	}
	if perr := json.Unmarshal(result.Data, &parsed); perr != nil {
		return fmt.Errorf("场地识别解析失败: %v", perr)
	}
	g.Store.Update(func(p models.ProjectData) models.ProjectData {
		p.Context.Locations = parsed.Locations
		p.ContextUsage.Add(result.Usage)
		return p
	})
	return nil
}

func (g *Generator) deepDiveLocations(ctx context.Context) error {
	snapshot := g.Store.Get()
	cores := snapshot.Context.CoreLocations()
	queue := make([]workflow.WorkItem, 0, len(cores))
	for _, l := range cores {
		queue = append(queue, workflow.WorkItem{Kind: "loc_dive", EntityID: l.ID, Label: l.Name})
	}
	g.Workflow.Dispatch(workflow.Action{Type: workflow.ActionSetQueue, Queue: queue})

	for _, item := range queue {
		result, err := g.Text.TextGenerate(ctx, TextRequest{
			Kind:    "loc_dive",
			Prompt:  item.Label,
			Context: snapshot.Context.ProjectSummary,
			Payload: map[string]interface{}{"locationId": item.EntityID},
		})
		if err != nil {
			return fmt.Errorf("场地 %s 深挖失败: %w", item.Label, err)
		}
		var parsed struct {
			Description string                `json:"description"`
			Zones       []models.LocationZone `json:"zones"`
		}
		if perr := json.Unmarshal(result.Data, &parsed); perr != nil {
			return fmt.Errorf("场地 %s 深挖解析失败: %v", item.Label, perr)
		}
		locID := item.EntityID
		g.Store.Update(func(p models.ProjectData) models.ProjectData {
			for i := range p.Context.Locations {
				if p.Context.Locations[i].ID == locID {
					p.Context.Locations[i].Description = parsed.Description
					p.Context.Locations[i].Zones = parsed.Zones
				}
			}
			p.ContextUsage.Add(result.Usage)
			return p
		})
		g.Workflow.Dispatch(workflow.Action{Type: workflow.ActionShiftQueue})
	}
	return nil
}
