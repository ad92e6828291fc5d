package merge

import (
	"testing"

	"DramaCraft-server/models"
)

// 差异摘要：完全一致的集不进列表，单侧独有的集分别标记
func TestSummarize(t *testing.T) {
	remote := sampleProject()
	local := sampleProject()
	local.Episodes[0].Shots = append(local.Episodes[0].Shots, models.Shot{ID: "1-1-03"})
	local.Episodes = append(local.Episodes, models.Episode{ID: 2, Title: "本地独有"})
	remote.Episodes = append(remote.Episodes, models.Episode{ID: 3, Title: "远端独有"})

	s := Summarize(remote, local)
	if s.RemoteEpisodes != 2 || s.LocalEpisodes != 2 {
		t.Fatalf("episode counts = %d/%d, want 2/2", s.RemoteEpisodes, s.LocalEpisodes)
	}
	if s.RemoteShots != 2 || s.LocalShots != 3 {
		t.Fatalf("shot counts = %d/%d, want 2/3", s.RemoteShots, s.LocalShots)
	}
	var gotOnlyRemote, gotOnlyLocal, gotChanged bool
	for _, d := range s.EpisodeDiffs {
		switch d.ID {
		case 1:
			gotChanged = true
			if d.RemoteShots != 2 || d.LocalShots != 3 {
				t.Fatalf("diff for ep1 = %+v", d)
			}
		case 2:
			gotOnlyLocal = d.OnlyLocal
		case 3:
			gotOnlyRemote = d.OnlyRemote
		}
	}
	if !gotChanged || !gotOnlyLocal || !gotOnlyRemote {
		t.Fatalf("diffs incomplete: %+v", s.EpisodeDiffs)
	}
}

// 完全相同的快照差异摘要为空
func TestSummarizeIdentical(t *testing.T) {
	p := sampleProject()
	s := Summarize(p, p)
	if len(s.EpisodeDiffs) != 0 {
		t.Fatalf("identical snapshots should produce no diffs: %+v", s.EpisodeDiffs)
	}
}
