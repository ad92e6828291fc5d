// Package delta 计算项目快照相对基线（最近一次与服务端对齐的快照）的最小差异，
// 用于增量上传与"有没有东西要同步"的判定。键函数与合并引擎保持一致。
package delta

import (
	"encoding/json"

	"DramaCraft-server/models"
)

// ProjectMeta 顶层标量与小块数据，整体做序列化等值比较
type ProjectMeta struct {
	FileName         string              `json:"fileName,omitempty"`
	RawScript        string              `json:"rawScript,omitempty"`
	DesignAssets     map[string]string   `json:"designAssets,omitempty"`
	ContextUsage     models.Usage        `json:"contextUsage"`
	Phase1Usage      models.Usage        `json:"phase1Usage"`
	Phase4Usage      models.Usage        `json:"phase4Usage"`
	Phase5Usage      models.Usage        `json:"phase5Usage"`
	ShotGuide        string              `json:"shotGuide,omitempty"`
	SoraGuide        string              `json:"soraGuide,omitempty"`
	StoryboardGuide  string              `json:"storyboardGuide,omitempty"`
	DramaGuide       string              `json:"dramaGuide,omitempty"`
	GlobalStyleGuide string              `json:"globalStyleGuide,omitempty"`
	Stats            models.ProjectStats `json:"stats"`
	ProjectSummary   string              `json:"projectSummary,omitempty"`
	EpisodeSummaries map[int]string      `json:"episodeSummaries,omitempty"`
}

type SceneUpsert struct {
	EpisodeID int          `json:"episodeId"`
	Scene     models.Scene `json:"scene"`
}

type ShotUpsert struct {
	EpisodeID int         `json:"episodeId"`
	Shot      models.Shot `json:"shot"`
}

type SceneKey struct {
	EpisodeID int    `json:"episodeId"`
	SceneID   string `json:"sceneId"`
}

type ShotKey struct {
	EpisodeID int    `json:"episodeId"`
	ShotID    string `json:"shotId"`
}

// DeletedKeys 各实体类型被删除的键
type DeletedKeys struct {
	Episodes   []int      `json:"episodes,omitempty"`
	Scenes     []SceneKey `json:"scenes,omitempty"`
	Shots      []ShotKey  `json:"shots,omitempty"`
	Characters []string   `json:"characters,omitempty"`
	Locations  []string   `json:"locations,omitempty"`
}

// ProjectDelta 最小差异。EpisodeUpserts 只携带集头（场景/分镜单列）。
type ProjectDelta struct {
	Meta             *ProjectMeta       `json:"meta,omitempty"`
	EpisodeUpserts   []models.Episode   `json:"episodeUpserts,omitempty"`
	SceneUpserts     []SceneUpsert      `json:"sceneUpserts,omitempty"`
	ShotUpserts      []ShotUpsert       `json:"shotUpserts,omitempty"`
	CharacterUpserts []models.Character `json:"characterUpserts,omitempty"`
	LocationUpserts  []models.Location  `json:"locationUpserts,omitempty"`
	Deleted          DeletedKeys        `json:"deleted"`
}

// IsDeltaEmpty 没有任何 meta 变化、upsert 或删除，表示无需同步
func IsDeltaEmpty(d ProjectDelta) bool {
	return d.Meta == nil &&
		len(d.EpisodeUpserts) == 0 &&
		len(d.SceneUpserts) == 0 &&
		len(d.ShotUpserts) == 0 &&
		len(d.CharacterUpserts) == 0 &&
		len(d.LocationUpserts) == 0 &&
		len(d.Deleted.Episodes) == 0 &&
		len(d.Deleted.Scenes) == 0 &&
		len(d.Deleted.Shots) == 0 &&
		len(d.Deleted.Characters) == 0 &&
		len(d.Deleted.Locations) == 0
}

// ComputeDelta 计算 current 相对 base 的增量。base 为 nil 时退化为全量引导。
func ComputeDelta(current models.ProjectData, base *models.ProjectData) ProjectDelta {
	var d ProjectDelta
	curMeta := metaOf(current)
	if base == nil {
		d.Meta = &curMeta
		for i := range current.Episodes {
			appendEpisodeFull(&d, &current.Episodes[i])
		}
		d.CharacterUpserts = append(d.CharacterUpserts, current.Context.Characters...)
		d.LocationUpserts = append(d.LocationUpserts, current.Context.Locations...)
		return d
	}
	baseMeta := metaOf(*base)
	if !CanonEqual(curMeta, baseMeta) {
		d.Meta = &curMeta
	}

	baseEps := make(map[int]*models.Episode, len(base.Episodes))
	for i := range base.Episodes {
		baseEps[base.Episodes[i].ID] = &base.Episodes[i]
	}
	curEps := make(map[int]bool, len(current.Episodes))
	for i := range current.Episodes {
		ce := &current.Episodes[i]
		curEps[ce.ID] = true
		be, ok := baseEps[ce.ID]
		if !ok {
			appendEpisodeFull(&d, ce)
			continue
		}
		if !CanonEqual(episodeHeader(ce), episodeHeader(be)) {
			d.EpisodeUpserts = append(d.EpisodeUpserts, episodeHeader(ce))
		}
		diffScenes(&d, ce, be)
		diffShots(&d, ce, be)
	}
	for i := range base.Episodes {
		if !curEps[base.Episodes[i].ID] {
			d.Deleted.Episodes = append(d.Deleted.Episodes, base.Episodes[i].ID)
		}
	}

	diffCharacters(&d, current.Context.Characters, base.Context.Characters)
	diffLocations(&d, current.Context.Locations, base.Context.Locations)
	return d
}

func metaOf(p models.ProjectData) ProjectMeta {
	return ProjectMeta{
		FileName:         p.FileName,
		RawScript:        p.RawScript,
		DesignAssets:     p.DesignAssets,
		ContextUsage:     p.ContextUsage,
		Phase1Usage:      p.Phase1Usage,
		Phase4Usage:      p.Phase4Usage,
		Phase5Usage:      p.Phase5Usage,
		ShotGuide:        p.ShotGuide,
		SoraGuide:        p.SoraGuide,
		StoryboardGuide:  p.StoryboardGuide,
		DramaGuide:       p.DramaGuide,
		GlobalStyleGuide: p.GlobalStyleGuide,
		Stats:            p.Stats,
		ProjectSummary:   p.Context.ProjectSummary,
		EpisodeSummaries: p.Context.EpisodeSummaries,
	}
}

// episodeHeader 去掉场景与分镜的集头，单独比较
func episodeHeader(e *models.Episode) models.Episode {
	h := *e
	h.Scenes = nil
	h.Shots = nil
	return h
}

func appendEpisodeFull(d *ProjectDelta, e *models.Episode) {
	d.EpisodeUpserts = append(d.EpisodeUpserts, episodeHeader(e))
	for _, s := range e.Scenes {
		d.SceneUpserts = append(d.SceneUpserts, SceneUpsert{EpisodeID: e.ID, Scene: s})
	}
	for _, s := range e.Shots {
		d.ShotUpserts = append(d.ShotUpserts, ShotUpsert{EpisodeID: e.ID, Shot: s})
	}
}

func diffScenes(d *ProjectDelta, cur, base *models.Episode) {
	baseByID := make(map[string]*models.Scene, len(base.Scenes))
	for i := range base.Scenes {
		baseByID[base.Scenes[i].ID] = &base.Scenes[i]
	}
	curIDs := make(map[string]bool, len(cur.Scenes))
	for i := range cur.Scenes {
		cs := &cur.Scenes[i]
		curIDs[cs.ID] = true
		if bs, ok := baseByID[cs.ID]; !ok || !CanonEqual(cs, bs) {
			d.SceneUpserts = append(d.SceneUpserts, SceneUpsert{EpisodeID: cur.ID, Scene: *cs})
		}
	}
	for i := range base.Scenes {
		if !curIDs[base.Scenes[i].ID] {
			d.Deleted.Scenes = append(d.Deleted.Scenes, SceneKey{EpisodeID: cur.ID, SceneID: base.Scenes[i].ID})
		}
	}
}

func diffShots(d *ProjectDelta, cur, base *models.Episode) {
	baseByID := make(map[string]*models.Shot, len(base.Shots))
	for i := range base.Shots {
		baseByID[base.Shots[i].ID] = &base.Shots[i]
	}
	curIDs := make(map[string]bool, len(cur.Shots))
	for i := range cur.Shots {
		cs := &cur.Shots[i]
		curIDs[cs.ID] = true
		if bs, ok := baseByID[cs.ID]; !ok || !CanonEqual(cs, bs) {
			d.ShotUpserts = append(d.ShotUpserts, ShotUpsert{EpisodeID: cur.ID, Shot: *cs})
		}
	}
	for i := range base.Shots {
		if !curIDs[base.Shots[i].ID] {
			d.Deleted.Shots = append(d.Deleted.Shots, ShotKey{EpisodeID: cur.ID, ShotID: base.Shots[i].ID})
		}
	}
}

func diffCharacters(d *ProjectDelta, cur, base []models.Character) {
	baseByID := make(map[string]*models.Character, len(base))
	for i := range base {
		baseByID[base[i].ID] = &base[i]
	}
	curIDs := make(map[string]bool, len(cur))
	for i := range cur {
		cc := &cur[i]
		curIDs[cc.ID] = true
		if bc, ok := baseByID[cc.ID]; !ok || !CanonEqual(cc, bc) {
			d.CharacterUpserts = append(d.CharacterUpserts, *cc)
		}
	}
	for i := range base {
		if !curIDs[base[i].ID] {
			d.Deleted.Characters = append(d.Deleted.Characters, base[i].ID)
		}
	}
}

func diffLocations(d *ProjectDelta, cur, base []models.Location) {
	baseByID := make(map[string]*models.Location, len(base))
	for i := range base {
		baseByID[base[i].ID] = &base[i]
	}
	curIDs := make(map[string]bool, len(cur))
	for i := range cur {
		cl := &cur[i]
		curIDs[cl.ID] = true
		if bl, ok := baseByID[cl.ID]; !ok || !CanonEqual(cl, bl) {
			d.LocationUpserts = append(d.LocationUpserts, *cl)
		}
	}
	for i := range base {
		if !curIDs[base[i].ID] {
			d.Deleted.Locations = append(d.Deleted.Locations, base[i].ID)
		}
	}
}

// CanonEqual 以规范化 JSON 判等。encoding/json 对结构体按字段声明序、
// 对 map 按键排序输出，两份快照序列化结果稳定，不会出现键序抖动。
func CanonEqual(a, b interface{}) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ab) == string(bb)
}
