package workflow

import (
	"strings"

	"DramaCraft-server/models"
)

// InferStep 从项目数据反推会话应处的阶段。
// 工作流位置不单独持久化，登录后据剧集状态重建。
func InferStep(p *models.ProjectData) Step {
	if p == nil || (len(p.Episodes) == 0 && strings.TrimSpace(p.RawScript) == "") {
		return StepIdle
	}
	if len(p.Episodes) == 0 {
		return StepSetupContext
	}
	if p.Context.ProjectSummary == "" {
		return StepSetupContext
	}
	allShots := true
	allSora := true
	for i := range p.Episodes {
		ep := &p.Episodes[i]
		if len(ep.Shots) == 0 {
			allShots = false
			allSora = false
			break
		}
		for j := range ep.Shots {
			if ep.Shots[j].SoraPrompt == "" {
				allSora = false
				break
			}
		}
	}
	if allSora {
		return StepCompleted
	}
	if allShots {
		return StepGenerateSora
	}
	return StepGenerateShots
}
