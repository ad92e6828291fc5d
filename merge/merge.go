// Package merge 实现项目快照的字段级合并引擎。
// 合并是纯函数：给定远端与本地两份完整快照，逐字段按既定策略取值，
// 不相等的数据不丢弃，分歧位置以路径形式记录，永不报错中断。
package merge

import (
	"encoding/json"
	"fmt"
	"sort"

	"DramaCraft-server/models"
)

// Result 合并输出。Conflicts 仅用于诊断展示，不阻塞合并。
type Result struct {
	Merged    models.ProjectData
	Conflicts []string
}

// Merge 合并远端与本地两份项目快照
func Merge(remote, local models.ProjectData) Result {
	m := &merger{}
	merged := m.project(remote, local)
	return Result{Merged: merged, Conflicts: m.conflicts}
}

type merger struct {
	conflicts []string
}

func (m *merger) conflict(path string) {
	m.conflicts = append(m.conflicts, path)
}

func (m *merger) project(remote, local models.ProjectData) models.ProjectData {
	out := models.ProjectData{}
	out.FileName = m.preferRemote("fileName", remote.FileName, local.FileName)
	out.RawScript = m.preferRemote("rawScript", remote.RawScript, local.RawScript)
	out.ShotGuide = m.preferRemote("shotGuide", remote.ShotGuide, local.ShotGuide)
	out.SoraGuide = m.preferRemote("soraGuide", remote.SoraGuide, local.SoraGuide)
	out.StoryboardGuide = m.preferRemote("storyboardGuide", remote.StoryboardGuide, local.StoryboardGuide)
	out.DramaGuide = m.preferRemote("dramaGuide", remote.DramaGuide, local.DramaGuide)
	out.GlobalStyleGuide = m.preferRemote("globalStyleGuide", remote.GlobalStyleGuide, local.GlobalStyleGuide)

	// 用量计数取两侧最大，进度永不回退
	out.ContextUsage = maxUsage(remote.ContextUsage, local.ContextUsage)
	out.Phase1Usage = maxUsage(remote.Phase1Usage, local.Phase1Usage)
	out.Phase4Usage = maxUsage(remote.Phase4Usage, local.Phase4Usage)
	out.Phase5Usage = maxUsage(remote.Phase5Usage, local.Phase5Usage)
	out.Stats = mergeStats(remote.Stats, local.Stats)

	out.DesignAssets = m.stringMap("designAssets", remote.DesignAssets, local.DesignAssets)
	out.Context = m.context(remote.Context, local.Context)
	out.Episodes = mergeByKey(remote.Episodes, local.Episodes,
		func(e models.Episode) string { return fmt.Sprintf("%d", e.ID) },
		func(r, l models.Episode) models.Episode {
			return m.episode(fmt.Sprintf("episodes[%d]", r.ID), r, l)
		})
	return out
}

func (m *merger) episode(path string, remote, local models.Episode) models.Episode {
	out := models.Episode{ID: remote.ID}
	out.Title = m.preferRemote(path+".title", remote.Title, local.Title)
	out.Content = m.preferRemote(path+".content", remote.Content, local.Content)
	out.ErrorMsg = keepBoth(remote.ErrorMsg, local.ErrorMsg)
	out.Status = m.statusByOrder(path+".status", models.EpisodeStatusOrder, models.EpisodeStatusError, remote.Status, local.Status)
	out.ShotUsage = maxUsage(remote.ShotUsage, local.ShotUsage)
	out.StoryboardUsage = maxUsage(remote.StoryboardUsage, local.StoryboardUsage)
	out.SoraUsage = maxUsage(remote.SoraUsage, local.SoraUsage)
	out.Scenes = mergeByKey(remote.Scenes, local.Scenes,
		func(s models.Scene) string { return s.ID },
		func(r, l models.Scene) models.Scene {
			return m.scene(fmt.Sprintf("%s.scenes[%s]", path, r.ID), r, l)
		})
	out.Shots = mergeByKey(remote.Shots, local.Shots,
		func(s models.Shot) string { return s.ID },
		func(r, l models.Shot) models.Shot {
			return m.shot(fmt.Sprintf("%s.shots[%s]", path, r.ID), r, l)
		})
	return out
}

func (m *merger) scene(path string, remote, local models.Scene) models.Scene {
	out := models.Scene{ID: remote.ID}
	out.Title = m.preferRemote(path+".title", remote.Title, local.Title)
	// 场景正文允许双方改写，拼接保留
	out.Content = keepBoth(remote.Content, local.Content)
	out.Partition = m.preferRemote(path+".partition", remote.Partition, local.Partition)
	out.TimeOfDay = m.preferRemote(path+".timeOfDay", remote.TimeOfDay, local.TimeOfDay)
	out.Location = m.preferRemote(path+".location", remote.Location, local.Location)
	out.Metadata = m.stringMap(path+".metadata", remote.Metadata, local.Metadata)
	return out
}

func (m *merger) shot(path string, remote, local models.Shot) models.Shot {
	out := models.Shot{ID: remote.ID}
	out.ShotType = m.preferRemote(path+".shotType", remote.ShotType, local.ShotType)
	out.Movement = m.preferRemote(path+".movement", remote.Movement, local.Movement)
	out.Duration = m.preferRemoteFloat(path+".duration", remote.Duration, local.Duration)
	out.Description = keepBoth(remote.Description, local.Description)
	out.Dialogue = keepBoth(remote.Dialogue, local.Dialogue)
	out.SoraPrompt = keepBoth(remote.SoraPrompt, local.SoraPrompt)
	out.StoryboardPrompt = keepBoth(remote.StoryboardPrompt, local.StoryboardPrompt)
	out.FinalVideoPrompt = keepBoth(remote.FinalVideoPrompt, local.FinalVideoPrompt)
	out.VideoStatus = m.statusByOrder(path+".videoStatus", models.VideoStatusOrder, models.VideoStatusError, remote.VideoStatus, local.VideoStatus)
	out.VideoURL = m.preferRemote(path+".videoUrl", remote.VideoURL, local.VideoURL)
	out.VideoID = m.preferRemote(path+".videoId", remote.VideoID, local.VideoID)
	out.VideoErrorMsg = keepBoth(remote.VideoErrorMsg, local.VideoErrorMsg)
	out.VideoStartTime = maxI64(remote.VideoStartTime, local.VideoStartTime)
	out.IsApproved = remote.IsApproved || local.IsApproved
	out.VideoParams = m.videoParams(path+".videoParams", remote.VideoParams, local.VideoParams)
	return out
}

func (m *merger) context(remote, local models.ProjectContext) models.ProjectContext {
	out := models.ProjectContext{}
	out.ProjectSummary = keepBoth(remote.ProjectSummary, local.ProjectSummary)
	out.EpisodeSummaries = mergeSummaries(remote.EpisodeSummaries, local.EpisodeSummaries)
	out.Characters = mergeByKey(remote.Characters, local.Characters,
		func(c models.Character) string { return c.ID },
		func(r, l models.Character) models.Character {
			return m.character(fmt.Sprintf("context.characters[%s]", r.ID), r, l)
		})
	out.Locations = mergeByKey(remote.Locations, local.Locations,
		func(loc models.Location) string { return loc.ID },
		func(r, l models.Location) models.Location {
			return m.location(fmt.Sprintf("context.locations[%s]", r.ID), r, l)
		})
	return out
}

func (m *merger) character(path string, remote, local models.Character) models.Character {
	out := models.Character{ID: remote.ID}
	out.Name = m.preferRemote(path+".name", remote.Name, local.Name)
	out.IsMain = remote.IsMain || local.IsMain
	out.Bio = keepBoth(remote.Bio, local.Bio)
	out.Forms = mergeByKey(remote.Forms, local.Forms,
		func(f models.CharacterForm) string { return f.ID },
		func(r, l models.CharacterForm) models.CharacterForm {
			return m.characterForm(fmt.Sprintf("%s.forms[%s]", path, r.ID), r, l)
		})
	return out
}

func (m *merger) characterForm(path string, remote, local models.CharacterForm) models.CharacterForm {
	out := models.CharacterForm{ID: remote.ID}
	out.Name = m.preferRemote(path+".name", remote.Name, local.Name)
	out.Appearance = keepBoth(remote.Appearance, local.Appearance)
	out.Wardrobe = keepBoth(remote.Wardrobe, local.Wardrobe)
	return out
}

func (m *merger) location(path string, remote, local models.Location) models.Location {
	out := models.Location{ID: remote.ID}
	out.Name = m.preferRemote(path+".name", remote.Name, local.Name)
	out.IsCore = remote.IsCore || local.IsCore
	out.Description = keepBoth(remote.Description, local.Description)
	out.Zones = mergeByKey(remote.Zones, local.Zones,
		func(z models.LocationZone) string { return z.ID },
		func(r, l models.LocationZone) models.LocationZone {
			return m.zone(fmt.Sprintf("%s.zones[%s]", path, r.ID), r, l)
		})
	return out
}

func (m *merger) zone(path string, remote, local models.LocationZone) models.LocationZone {
	out := models.LocationZone{ID: remote.ID}
	out.Name = m.preferRemote(path+".name", remote.Name, local.Name)
	out.Description = keepBoth(remote.Description, local.Description)
	return out
}

// ----------------------------------------------------------------------------
// 字段级策略
// ----------------------------------------------------------------------------

// preferRemote 远端优先：单侧为空取非空侧，双方非空且不等时取远端并记录分歧
func (m *merger) preferRemote(path, remote, local string) string {
	if remote == local {
		return remote
	}
	if remote == "" {
		return local
	}
	if local == "" {
		return remote
	}
	m.conflict(path)
	return remote
}

func (m *merger) preferRemoteFloat(path string, remote, local float64) float64 {
	if remote == local {
		return remote
	}
	if remote == 0 {
		return local
	}
	if local == 0 {
		return remote
	}
	m.conflict(path)
	return remote
}

// keepBoth 自由文本：不相等时前后拼接保留双方（远端在前），空串是合法输出
func keepBoth(remote, local string) string {
	if remote == local {
		return remote
	}
	if remote == "" {
		return local
	}
	if local == "" {
		return remote
	}
	return remote + "\n\n" + local
}

// statusByOrder 按固定推进序列合并状态。errVal 被任何非 error 状态压制；
// 序列外的状态视为不可比较，取远端并记录分歧。
func (m *merger) statusByOrder(path string, order []string, errVal, remote, local string) string {
	if remote == local {
		return remote
	}
	if remote == "" {
		return local
	}
	if local == "" {
		return remote
	}
	if remote == errVal {
		return local
	}
	if local == errVal {
		return remote
	}
	ri, li := indexOf(order, remote), indexOf(order, local)
	if ri < 0 || li < 0 {
		m.conflict(path)
		return remote
	}
	if ri >= li {
		return remote
	}
	return local
}

func indexOf(order []string, v string) int {
	for i, s := range order {
		if s == v {
			return i
		}
	}
	return -1
}

// videoParams 先剔除 InputImage 再比较；相等时保留本地副本
// （本地可能持有仅本机可见的参考图），不等取远端并记录分歧。
func (m *merger) videoParams(path string, remote, local *models.VideoParams) *models.VideoParams {
	if remote == nil {
		return local
	}
	if local == nil {
		return remote
	}
	if jsonEqual(remote.Normalized(), local.Normalized()) {
		return local
	}
	m.conflict(path)
	return remote
}

func (m *merger) stringMap(path string, remote, local map[string]string) map[string]string {
	if len(remote) == 0 && len(local) == 0 {
		return nil
	}
	out := make(map[string]string, len(remote)+len(local))
	for _, k := range sortedKeys(remote) {
		rv := remote[k]
		if lv, ok := local[k]; ok && lv != rv && lv != "" && rv != "" {
			m.conflict(fmt.Sprintf("%s[%s]", path, k))
		}
		if rv == "" {
			rv = local[k]
		}
		out[k] = rv
	}
	for _, k := range sortedKeys(local) {
		if _, ok := remote[k]; !ok {
			out[k] = local[k]
		}
	}
	return out
}

// mergeSummaries 分集摘要按剧集 ID 取并集，同键不等时拼接保留
func mergeSummaries(remote, local map[int]string) map[int]string {
	if len(remote) == 0 && len(local) == 0 {
		return nil
	}
	out := make(map[int]string, len(remote)+len(local))
	for k, v := range remote {
		out[k] = v
	}
	for k, v := range local {
		if rv, ok := out[k]; ok {
			out[k] = keepBoth(rv, v)
		} else {
			out[k] = v
		}
	}
	return out
}

func maxUsage(a, b models.Usage) models.Usage {
	return models.Usage{
		PromptTokens:   maxInt(a.PromptTokens, b.PromptTokens),
		ResponseTokens: maxInt(a.ResponseTokens, b.ResponseTokens),
		TotalTokens:    maxInt(a.TotalTokens, b.TotalTokens),
	}
}

func mergeStats(a, b models.ProjectStats) models.ProjectStats {
	return models.ProjectStats{
		Analysis:   maxStat(a.Analysis, b.Analysis),
		Shots:      maxStat(a.Shots, b.Shots),
		Storyboard: maxStat(a.Storyboard, b.Storyboard),
		Sora:       maxStat(a.Sora, b.Sora),
		Video:      maxStat(a.Video, b.Video),
	}
}

func maxStat(a, b models.PhaseStat) models.PhaseStat {
	return models.PhaseStat{
		Success: maxInt(a.Success, b.Success),
		Error:   maxInt(a.Error, b.Error),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// mergeByKey 通用的按键数组合并：远端顺序优先，两侧实体都不丢，
// 仅本地存在的项按原顺序追加在后。
func mergeByKey[T any](remote, local []T, key func(T) string, mergeFn func(r, l T) T) []T {
	if len(remote) == 0 && len(local) == 0 {
		return nil
	}
	lookup := make(map[string]int, len(local))
	for i := range local {
		lookup[key(local[i])] = i
	}
	out := make([]T, 0, len(remote))
	matched := make(map[string]bool, len(local))
	for _, r := range remote {
		k := key(r)
		if li, ok := lookup[k]; ok {
			out = append(out, mergeFn(r, local[li]))
			matched[k] = true
		} else {
			out = append(out, r)
		}
	}
	for _, l := range local {
		if !matched[key(l)] {
			out = append(out, l)
		}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func jsonEqual(a, b interface{}) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ab) == string(bb)
}
