package delta

import (
	"bytes"
	"encoding/json"

	"DramaCraft-server/models"
)

// patchKeys 允许进入补丁的顶层键（与 ProjectData 的 JSON 字段一致）
var patchKeys = []string{
	"fileName", "rawScript", "episodes", "context", "designAssets",
	"contextUsage", "phase1Usage", "phase4Usage", "phase5Usage",
	"shotGuide", "soraGuide", "storyboardGuide", "dramaGuide",
	"globalStyleGuide", "stats",
}

// ProjectPatch 较粗粒度的字段级补丁：整键覆盖或删除
type ProjectPatch struct {
	Set   map[string]json.RawMessage `json:"set,omitempty"`
	Unset []string                   `json:"unset,omitempty"`
}

func (p ProjectPatch) IsEmpty() bool {
	return len(p.Set) == 0 && len(p.Unset) == 0
}

func toKeyMap(p models.ProjectData) map[string]json.RawMessage {
	b, _ := json.Marshal(p)
	var m map[string]json.RawMessage
	_ = json.Unmarshal(b, &m)
	return m
}

// ComputePatch 逐键序列化比较 current 与 base。base 为 nil 时输出全量 set。
func ComputePatch(current models.ProjectData, base *models.ProjectData) ProjectPatch {
	curMap := toKeyMap(current)
	patch := ProjectPatch{}
	if base == nil {
		patch.Set = make(map[string]json.RawMessage)
		for _, k := range patchKeys {
			if v, ok := curMap[k]; ok {
				patch.Set[k] = v
			}
		}
		return patch
	}
	baseMap := toKeyMap(*base)
	for _, k := range patchKeys {
		cv, cok := curMap[k]
		bv, bok := baseMap[k]
		switch {
		case cok && (!bok || !bytes.Equal(cv, bv)):
			if patch.Set == nil {
				patch.Set = make(map[string]json.RawMessage)
			}
			patch.Set[k] = cv
		case !cok && bok:
			patch.Unset = append(patch.Unset, k)
		}
	}
	return patch
}

// ApplyProjectPatch 把补丁叠加到基线之上重建快照
func ApplyProjectPatch(base models.ProjectData, patch ProjectPatch) models.ProjectData {
	m := toKeyMap(base)
	for k, v := range patch.Set {
		m[k] = v
	}
	for _, k := range patch.Unset {
		delete(m, k)
	}
	b, _ := json.Marshal(m)
	var out models.ProjectData
	_ = json.Unmarshal(b, &out)
	return out
}
