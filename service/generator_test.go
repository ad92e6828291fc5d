package service

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"DramaCraft-server/models"
	"DramaCraft-server/store"
	"DramaCraft-server/workflow"
)

// fakeText 可编排的文本生成替身，记录全部调用
type fakeText struct {
	mu    sync.Mutex
	calls []TextRequest
	fn    func(req TextRequest) (*TextResult, error)
}

func (f *fakeText) TextGenerate(ctx context.Context, req TextRequest) (*TextResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.fn(req)
}

func (f *fakeText) callsOf(kind string) []TextRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []TextRequest
	for _, c := range f.calls {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func shotsResult(ids ...string) *TextResult {
	type shot struct {
		ID          string `json:"id"`
		Description string `json:"description"`
	}
	var shots []shot
	for _, id := range ids {
		shots = append(shots, shot{ID: id, Description: "desc-" + id})
	}
	b, _ := json.Marshal(map[string]interface{}{"shots": shots})
	return &TextResult{Data: b, Usage: models.Usage{PromptTokens: 10, ResponseTokens: 5, TotalTokens: 15}}
}

// promptsResult 给 payload 里的每个分镜回一条提示词
func promptsResult(req TextRequest) *TextResult {
	chunk, _ := req.Payload["shots"].([]models.Shot)
	type prompt struct {
		ShotID string `json:"shotId"`
		Prompt string `json:"prompt"`
	}
	var prompts []prompt
	for _, s := range chunk {
		prompts = append(prompts, prompt{ShotID: s.ID, Prompt: "P-" + s.ID})
	}
	b, _ := json.Marshal(map[string]interface{}{"prompts": prompts})
	return &TextResult{Data: b, Usage: models.Usage{TotalTokens: 7}}
}

func newTestGenerator(p models.ProjectData, fn func(TextRequest) (*TextResult, error)) (*Generator, *store.ProjectStore, *fakeText) {
	st := store.New(p)
	ft := &fakeText{fn: fn}
	g := NewGenerator(st, ft, workflow.NewEngine())
	g.ChunkDelay = 0
	return g, st, ft
}

// 分镜 ID 按场景前缀分组，保持首次出现顺序
func TestChunkShots(t *testing.T) {
	shots := []models.Shot{{ID: "1-1-01"}, {ID: "1-1-02"}, {ID: "1-2-01"}}
	chunks := ChunkShots(shots)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	got := map[string][]string{}
	for _, c := range chunks {
		key := models.ScenePrefixOf(c[0].ID)
		for _, s := range c {
			got[key] = append(got[key], s.ID)
		}
	}
	want := map[string][]string{
		"1-1": {"1-1-01", "1-1-02"},
		"1-2": {"1-2-01"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("groups = %v, want %v", got, want)
	}
	if models.ScenePrefixOf(chunks[0][0].ID) != "1-1" {
		t.Fatalf("first-appearance order lost")
	}
}

// auto 模式逐集生成分镜，完成后推进到 Sora 阶段
func TestGenerateShotsAuto(t *testing.T) {
	p := models.ProjectData{
		Episodes: []models.Episode{
			{ID: 1, Content: "第一集正文", Status: models.EpisodeStatusPending},
			{ID: 2, Content: "第二集正文", Status: models.EpisodeStatusPending},
		},
		Context: models.ProjectContext{ProjectSummary: "摘要"},
	}
	g, st, ft := newTestGenerator(p, func(req TextRequest) (*TextResult, error) {
		return shotsResult("1-1-01", "1-1-02"), nil
	})

	if err := g.GenerateShots(context.Background(), 0, true); err != nil {
		t.Fatalf("GenerateShots: %v", err)
	}
	snap := st.Get()
	for _, ep := range snap.Episodes {
		if len(ep.Shots) != 2 || ep.Status != models.EpisodeStatusConfirmedShots {
			t.Fatalf("episode %d = %+v", ep.ID, ep)
		}
	}
	if len(ft.callsOf("shots")) != 2 {
		t.Fatalf("calls = %d, want one per episode", len(ft.callsOf("shots")))
	}
	if snap.Phase1Usage.TotalTokens != 30 {
		t.Fatalf("phase1 usage = %+v", snap.Phase1Usage)
	}
	if got := g.Workflow.State().Step; got != workflow.StepGenerateSora {
		t.Fatalf("step = %s, want auto-advance to sora", got)
	}
}

// 未指定集序号（负数）时从头扫描：生成所有待处理的集后才推进阶段
func TestGenerateShotsScanDefault(t *testing.T) {
	p := models.ProjectData{
		Episodes: []models.Episode{
			{ID: 1, Content: "一", Status: models.EpisodeStatusPending},
			{ID: 2, Content: "二", Status: models.EpisodeStatusPending},
		},
	}
	g, st, ft := newTestGenerator(p, func(req TextRequest) (*TextResult, error) {
		return shotsResult("s-01"), nil
	})
	if err := g.GenerateShots(context.Background(), -1, true); err != nil {
		t.Fatalf("scan run: %v", err)
	}
	if got := len(ft.callsOf("shots")); got != 2 {
		t.Fatalf("calls = %d, scan must generate every pending episode", got)
	}
	for _, ep := range st.Get().Episodes {
		if ep.Status != models.EpisodeStatusConfirmedShots {
			t.Fatalf("episode %d = %+v", ep.ID, ep)
		}
	}
	if got := g.Workflow.State().Step; got != workflow.StepGenerateSora {
		t.Fatalf("step = %s", got)
	}
}

// 还有待生成的集时阶段不能凭空推进
func TestGenerateShotsNoFalseAdvance(t *testing.T) {
	p := models.ProjectData{
		Episodes: []models.Episode{
			{ID: 1, Content: "一", Status: models.EpisodeStatusPending},
			{ID: 2, Content: "二", Status: models.EpisodeStatusPending},
		},
	}
	g, st, ft := newTestGenerator(p, func(req TextRequest) (*TextResult, error) {
		return shotsResult("s-01"), nil
	})
	// 扫描 + 手动单集：只处理第一个待生成的集，阶段停在原地
	if err := g.GenerateShots(context.Background(), -1, false); err != nil {
		t.Fatalf("scan run: %v", err)
	}
	if got := len(ft.callsOf("shots")); got != 1 {
		t.Fatalf("calls = %d, want only the first pending episode", got)
	}
	if got := st.Get().Episodes[1].Status; got != models.EpisodeStatusPending {
		t.Fatalf("episode 2 must stay pending: %s", got)
	}
	if got := g.Workflow.State().Step; got == workflow.StepGenerateSora {
		t.Fatalf("step advanced with pending episodes remaining")
	}
}

// 单集失败只影响那一集：error 状态 + errorMsg，其余不动，自动推进停住
func TestGenerateShotsErrorScoped(t *testing.T) {
	p := models.ProjectData{
		Episodes: []models.Episode{
			{ID: 1, Content: "一", Status: models.EpisodeStatusPending},
			{ID: 2, Content: "二", Status: models.EpisodeStatusPending},
			{ID: 3, Content: "三", Status: models.EpisodeStatusPending},
		},
	}
	g, st, _ := newTestGenerator(p, func(req TextRequest) (*TextResult, error) {
		if req.Prompt == "二" {
			return nil, errors.New("provider down")
		}
		return shotsResult("s-01"), nil
	})

	err := g.GenerateShots(context.Background(), 0, true)
	if err == nil {
		t.Fatalf("expected error from episode 2")
	}
	snap := st.Get()
	if snap.Episodes[0].Status != models.EpisodeStatusConfirmedShots {
		t.Fatalf("episode 1 should be done: %+v", snap.Episodes[0])
	}
	if snap.Episodes[1].Status != models.EpisodeStatusError || snap.Episodes[1].ErrorMsg == "" {
		t.Fatalf("episode 2 should carry the error: %+v", snap.Episodes[1])
	}
	if snap.Episodes[2].Status != models.EpisodeStatusPending || len(snap.Episodes[2].Shots) != 0 {
		t.Fatalf("episode 3 must be untouched: %+v", snap.Episodes[2])
	}
	if snap.Stats.Shots.Error != 1 {
		t.Fatalf("stats = %+v", snap.Stats.Shots)
	}
}

// 失败后的重试从出错的集恢复，auto 继续推进后续集
func TestRetryEpisodeShotsResumes(t *testing.T) {
	fail := true
	p := models.ProjectData{
		Episodes: []models.Episode{
			{ID: 1, Content: "一", Status: models.EpisodeStatusPending},
			{ID: 2, Content: "二", Status: models.EpisodeStatusPending},
		},
	}
	g, st, _ := newTestGenerator(p, func(req TextRequest) (*TextResult, error) {
		if req.Prompt == "一" && fail {
			return nil, errors.New("transient")
		}
		return shotsResult("s-01"), nil
	})

	if err := g.GenerateShots(context.Background(), 0, true); err == nil {
		t.Fatalf("first run should fail")
	}
	fail = false
	if err := g.RetryEpisodeShots(context.Background(), 0, true); err != nil {
		t.Fatalf("retry: %v", err)
	}
	snap := st.Get()
	for _, ep := range snap.Episodes {
		if ep.Status != models.EpisodeStatusConfirmedShots {
			t.Fatalf("episode %d = %+v", ep.ID, ep)
		}
	}
}

// 场景块续跑幂等：已完成的块不重算，只补缺的块，最终状态与一次跑完相同
func TestPromptPhaseResume(t *testing.T) {
	p := models.ProjectData{
		Episodes: []models.Episode{
			{
				ID:     1,
				Status: models.EpisodeStatusConfirmedShots,
				Shots: []models.Shot{
					// 场景 1-1 已在上一次中断前完成
					{ID: "1-1-01", SoraPrompt: "老值-01"},
					{ID: "1-1-02", SoraPrompt: "老值-02"},
					{ID: "1-2-01"},
					{ID: "1-3-01"},
				},
			},
		},
	}
	g, st, ft := newTestGenerator(p, func(req TextRequest) (*TextResult, error) {
		return promptsResult(req), nil
	})

	if err := g.GenerateSoraPrompts(context.Background(), 0, false, false); err != nil {
		t.Fatalf("GenerateSoraPrompts: %v", err)
	}
	if got := len(ft.callsOf("sora")); got != 2 {
		t.Fatalf("sora calls = %d, completed chunk must be skipped", got)
	}
	snap := st.Get()
	shots := snap.Episodes[0].Shots
	if shots[0].SoraPrompt != "老值-01" || shots[1].SoraPrompt != "老值-02" {
		t.Fatalf("completed chunk must stay untouched: %+v", shots[:2])
	}
	if shots[2].SoraPrompt != "P-1-2-01" || shots[3].SoraPrompt != "P-1-3-01" {
		t.Fatalf("missing chunks not filled: %+v", shots[2:])
	}
	if snap.Episodes[0].Status != models.EpisodeStatusReviewSora {
		t.Fatalf("status = %s", snap.Episodes[0].Status)
	}
}

// force 重跑忽略完成检查，所有块都重算
func TestPromptPhaseForce(t *testing.T) {
	p := models.ProjectData{
		Episodes: []models.Episode{
			{
				ID:     1,
				Status: models.EpisodeStatusReviewSora,
				Shots: []models.Shot{
					{ID: "1-1-01", SoraPrompt: "旧"},
					{ID: "1-2-01", SoraPrompt: "旧"},
				},
			},
		},
	}
	g, st, ft := newTestGenerator(p, func(req TextRequest) (*TextResult, error) {
		return promptsResult(req), nil
	})

	if err := g.GenerateSoraPrompts(context.Background(), 0, true, false); err != nil {
		t.Fatalf("force run: %v", err)
	}
	if got := len(ft.callsOf("sora")); got != 2 {
		t.Fatalf("sora calls = %d, want all chunks", got)
	}
	shots := st.Get().Episodes[0].Shots
	if shots[0].SoraPrompt != "P-1-1-01" || shots[1].SoraPrompt != "P-1-2-01" {
		t.Fatalf("force should overwrite: %+v", shots)
	}
}

// auto 模式跨集推进：完成本集后跳到下一个未完成的集，最后置 COMPLETED
func TestPromptPhaseAutoAdvance(t *testing.T) {
	p := models.ProjectData{
		Episodes: []models.Episode{
			{ID: 1, Status: models.EpisodeStatusConfirmedShots, Shots: []models.Shot{{ID: "1-1-01"}}},
			{ID: 2, Status: models.EpisodeStatusReviewSora, Shots: []models.Shot{{ID: "2-1-01", SoraPrompt: "done"}}},
			{ID: 3, Status: models.EpisodeStatusConfirmedShots, Shots: []models.Shot{{ID: "3-1-01"}}},
		},
	}
	g, st, _ := newTestGenerator(p, func(req TextRequest) (*TextResult, error) {
		return promptsResult(req), nil
	})

	if err := g.GenerateSoraPrompts(context.Background(), 0, false, true); err != nil {
		t.Fatalf("auto run: %v", err)
	}
	snap := st.Get()
	if snap.Episodes[0].Status != models.EpisodeStatusReviewSora || snap.Episodes[2].Status != models.EpisodeStatusReviewSora {
		t.Fatalf("episodes not advanced: %+v", snap.Episodes)
	}
	if snap.Episodes[1].Shots[0].SoraPrompt != "done" {
		t.Fatalf("already complete episode must be skipped")
	}
	if got := g.Workflow.State().Step; got != workflow.StepCompleted {
		t.Fatalf("step = %s, want COMPLETED", got)
	}
}

// 未指定集序号的提示词阶段从头扫描，没有剩余工作才收尾推进
func TestPromptPhaseScanDefault(t *testing.T) {
	p := models.ProjectData{
		Episodes: []models.Episode{
			{ID: 1, Status: models.EpisodeStatusReviewSora, Shots: []models.Shot{{ID: "1-1-01", SoraPrompt: "done"}}},
			{ID: 2, Status: models.EpisodeStatusConfirmedShots, Shots: []models.Shot{{ID: "2-1-01"}}},
		},
	}
	g, st, ft := newTestGenerator(p, func(req TextRequest) (*TextResult, error) {
		return promptsResult(req), nil
	})
	if err := g.GenerateSoraPrompts(context.Background(), -1, false, true); err != nil {
		t.Fatalf("scan run: %v", err)
	}
	if got := len(ft.callsOf("sora")); got != 1 {
		t.Fatalf("calls = %d, only episode 2 needs prompts", got)
	}
	if got := st.Get().Episodes[1].Shots[0].SoraPrompt; got != "P-2-1-01" {
		t.Fatalf("episode 2 prompt = %q", got)
	}
	if got := g.Workflow.State().Step; got != workflow.StepCompleted {
		t.Fatalf("step = %s, want COMPLETED after scan finished all work", got)
	}
}

// 分镜表还没生成时，默认的提示词触发不做事也不收尾
func TestPromptPhaseScanNoShots(t *testing.T) {
	p := models.ProjectData{
		Episodes: []models.Episode{{ID: 1, Status: models.EpisodeStatusPending}},
	}
	g, _, ft := newTestGenerator(p, func(req TextRequest) (*TextResult, error) {
		return promptsResult(req), nil
	})
	if err := g.GenerateSoraPrompts(context.Background(), -1, false, true); err != nil {
		t.Fatalf("scan run: %v", err)
	}
	if len(ft.callsOf("sora")) != 0 {
		t.Fatalf("no shot lists yet, no provider calls")
	}
	if got := g.Workflow.State().Step; got == workflow.StepCompleted {
		t.Fatalf("must not complete with no shot lists")
	}
}

// 前一个块的应答顺带补齐后续块时，后续块按合并后的状态跳过
func TestPromptPhaseCrossChunkFill(t *testing.T) {
	p := models.ProjectData{
		Episodes: []models.Episode{
			{ID: 1, Status: models.EpisodeStatusConfirmedShots, Shots: []models.Shot{
				{ID: "1-1-01"},
				{ID: "1-2-01"},
			}},
		},
	}
	g, st, ft := newTestGenerator(p, func(req TextRequest) (*TextResult, error) {
		b, _ := json.Marshal(map[string]interface{}{"prompts": []map[string]string{
			{"shotId": "1-1-01", "prompt": "P-1-1-01"},
			{"shotId": "1-2-01", "prompt": "P-1-2-01"},
		}})
		return &TextResult{Data: b}, nil
	})
	if err := g.GenerateSoraPrompts(context.Background(), 0, false, false); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := len(ft.callsOf("sora")); got != 1 {
		t.Fatalf("calls = %d, already-filled chunk must be skipped", got)
	}
	shots := st.Get().Episodes[0].Shots
	if shots[0].SoraPrompt != "P-1-1-01" || shots[1].SoraPrompt != "P-1-2-01" {
		t.Fatalf("prompts = %+v", shots)
	}
}

// findNext 扫描：跳过完成/评审中的集，没有未完成的返回 -1
func TestFindNextSoraIndex(t *testing.T) {
	eps := []models.Episode{
		{ID: 1, Status: models.EpisodeStatusReviewSora, Shots: []models.Shot{{ID: "a", SoraPrompt: "p"}}},
		{ID: 2},
		{ID: 3, Status: models.EpisodeStatusConfirmedShots, Shots: []models.Shot{{ID: "b"}}},
	}
	if got := FindNextSoraIndex(eps, 0); got != 2 {
		t.Fatalf("next = %d, want 2", got)
	}
	eps[2].Shots[0].SoraPrompt = "p"
	eps[2].Status = models.EpisodeStatusReviewSora
	if got := FindNextSoraIndex(eps, 0); got != -1 {
		t.Fatalf("next = %d, want -1 when all complete", got)
	}
}

// 块文本包含全部分镜 ID
func TestChunkText(t *testing.T) {
	text := chunkText([]models.Shot{{ID: "1-1-01", Description: "a"}, {ID: "1-1-02", Description: "b"}})
	for _, id := range []string{"1-1-01", "1-1-02"} {
		if !strings.Contains(text, id) {
			t.Fatalf("chunk text missing %s: %q", id, text)
		}
	}
}
