package models

// CharacterForm 角色形态（不同造型/年龄段等），设计资产以 "角色ID:形态ID" 作键
type CharacterForm struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Appearance string `json:"appearance,omitempty"`
	Wardrobe   string `json:"wardrobe,omitempty"`
}

type Character struct {
	ID     string          `json:"id"`
	Name   string          `json:"name,omitempty"`
	IsMain bool            `json:"isMain,omitempty"`
	Bio    string          `json:"bio,omitempty"`
	Forms  []CharacterForm `json:"forms,omitempty"`
}

type LocationZone struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

type Location struct {
	ID          string         `json:"id"`
	Name        string         `json:"name,omitempty"`
	IsCore      bool           `json:"isCore,omitempty"`
	Description string         `json:"description,omitempty"`
	Zones       []LocationZone `json:"zones,omitempty"`
}

// ProjectContext 剧本理解结果，分析阶段逐步填充/覆盖
type ProjectContext struct {
	ProjectSummary   string         `json:"projectSummary,omitempty"`
	EpisodeSummaries map[int]string `json:"episodeSummaries,omitempty"`
	Characters       []Character    `json:"characters,omitempty"`
	Locations        []Location     `json:"locations,omitempty"`
}

// MainCharacters 返回主要角色（深挖步骤的工作集）
func (c *ProjectContext) MainCharacters() []Character {
	var out []Character
	for _, ch := range c.Characters {
		if ch.IsMain {
			out = append(out, ch)
		}
	}
	return out
}

// CoreLocations 返回核心场地
func (c *ProjectContext) CoreLocations() []Location {
	var out []Location
	for _, l := range c.Locations {
		if l.IsCore {
			out = append(out, l)
		}
	}
	return out
}
