package service

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"DramaCraft-server/models"
)

// 剧本切分：按集标记行切成剧集，再按场次标记行切成场景。
// 标记行示例：第1集 / 第 12 集 / EP3；场次：1-2 内景 咖啡馆 日
var (
	episodeMarker = regexp.MustCompile(`^(?:第\s*(\d+)\s*[集回]|EP\s*(\d+))\s*(.*)$`)
	sceneMarker   = regexp.MustCompile(`^(\d+)-(\d+)[\s.、]+(.*)$`)
)

// ParseScript 把整部剧本文本解析成 ProjectData 初始聚合。
// 没有任何集标记时整个文本作为第 1 集。
func ParseScript(fileName, raw string) (models.ProjectData, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return models.ProjectData{}, fmt.Errorf("剧本内容为空")
	}

	p := models.ProjectData{
		FileName:  fileName,
		RawScript: raw,
	}

	lines := strings.Split(raw, "\n")
	var cur *models.Episode
	flush := func() {
		if cur != nil {
			cur.Scenes = splitScenes(cur.ID, cur.Content)
			p.Episodes = append(p.Episodes, *cur)
			cur = nil
		}
	}

	for _, line := range lines {
		m := episodeMarker.FindStringSubmatch(strings.TrimSpace(line))
		if m != nil {
			flush()
			numStr := m[1]
			if numStr == "" {
				numStr = m[2]
			}
			id, _ := strconv.Atoi(numStr)
			cur = &models.Episode{
				ID:     id,
				Title:  strings.TrimSpace(m[3]),
				Status: models.EpisodeStatusPending,
			}
			continue
		}
		if cur != nil {
			cur.Content += line + "\n"
		}
	}
	flush()

	if len(p.Episodes) == 0 {
		p.Episodes = []models.Episode{{
			ID:      1,
			Content: raw,
			Status:  models.EpisodeStatusPending,
			Scenes:  splitScenes(1, raw),
		}}
	}
	return p, nil
}

// splitScenes 按场次标记行切分剧集正文；没有标记时整集作为一个场景
func splitScenes(epID int, script string) []models.Scene {
	lines := strings.Split(script, "\n")
	var scenes []models.Scene
	var cur *models.Scene
	flush := func() {
		if cur != nil {
			cur.Content = strings.TrimSpace(cur.Content)
			scenes = append(scenes, *cur)
			cur = nil
		}
	}
	for _, line := range lines {
		m := sceneMarker.FindStringSubmatch(strings.TrimSpace(line))
		if m != nil {
			flush()
			cur = &models.Scene{
				ID:    fmt.Sprintf("%s-%s", m[1], m[2]),
				Title: strings.TrimSpace(m[3]),
			}
			continue
		}
		if cur != nil {
			cur.Content += line + "\n"
		}
	}
	flush()
	if len(scenes) == 0 && strings.TrimSpace(script) != "" {
		scenes = append(scenes, models.Scene{
			ID:      fmt.Sprintf("%d-1", epID),
			Content: strings.TrimSpace(script),
		})
	}
	return scenes
}
