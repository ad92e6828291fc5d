package merge

import "DramaCraft-server/models"

// EpisodeDiff 单集差异概览
type EpisodeDiff struct {
	ID             int    `json:"id"`
	Title          string `json:"title,omitempty"`
	RemoteScenes   int    `json:"remoteScenes"`
	LocalScenes    int    `json:"localScenes"`
	RemoteShots    int    `json:"remoteShots"`
	LocalShots     int    `json:"localShots"`
	SummaryChanged bool   `json:"summaryChanged"`
	OnlyRemote     bool   `json:"onlyRemote,omitempty"`
	OnlyLocal      bool   `json:"onlyLocal,omitempty"`
}

// Summary 冲突弹窗展示用的人读差异摘要
type Summary struct {
	RemoteEpisodes  int           `json:"remoteEpisodes"`
	LocalEpisodes   int           `json:"localEpisodes"`
	RemoteShots     int           `json:"remoteShots"`
	LocalShots      int           `json:"localShots"`
	RemoteScriptLen int           `json:"remoteScriptLen"`
	LocalScriptLen  int           `json:"localScriptLen"`
	EpisodeDiffs    []EpisodeDiff `json:"episodeDiffs,omitempty"`
}

// Summarize 计算两份快照的差异概览。纯函数，仅用于冲突确认界面。
func Summarize(remote, local models.ProjectData) Summary {
	s := Summary{
		RemoteEpisodes:  len(remote.Episodes),
		LocalEpisodes:   len(local.Episodes),
		RemoteScriptLen: len(remote.RawScript),
		LocalScriptLen:  len(local.RawScript),
	}
	localByID := make(map[int]*models.Episode, len(local.Episodes))
	for i := range local.Episodes {
		localByID[local.Episodes[i].ID] = &local.Episodes[i]
		s.LocalShots += len(local.Episodes[i].Shots)
	}
	seen := make(map[int]bool, len(remote.Episodes))
	for i := range remote.Episodes {
		re := &remote.Episodes[i]
		s.RemoteShots += len(re.Shots)
		seen[re.ID] = true
		diff := EpisodeDiff{
			ID:           re.ID,
			Title:        re.Title,
			RemoteScenes: len(re.Scenes),
			RemoteShots:  len(re.Shots),
		}
		if le, ok := localByID[re.ID]; ok {
			diff.LocalScenes = len(le.Scenes)
			diff.LocalShots = len(le.Shots)
			diff.SummaryChanged = remote.Context.EpisodeSummaries[re.ID] != local.Context.EpisodeSummaries[re.ID]
			// 双方完全一致的集不进摘要
			if diff.RemoteScenes == diff.LocalScenes && diff.RemoteShots == diff.LocalShots && !diff.SummaryChanged {
				continue
			}
		} else {
			diff.OnlyRemote = true
		}
		s.EpisodeDiffs = append(s.EpisodeDiffs, diff)
	}
	for i := range local.Episodes {
		le := &local.Episodes[i]
		if seen[le.ID] {
			continue
		}
		s.EpisodeDiffs = append(s.EpisodeDiffs, EpisodeDiff{
			ID:          le.ID,
			Title:       le.Title,
			LocalScenes: len(le.Scenes),
			LocalShots:  len(le.Shots),
			OnlyLocal:   true,
		})
	}
	return s
}
