package syncer

import (
	"context"
	"testing"
	"time"

	"DramaCraft-server/config"
	"DramaCraft-server/merge"
	"DramaCraft-server/models"
	"DramaCraft-server/store"
)

// fakeTransport 可编排的网络层替身
type fakeTransport struct {
	fetchProject func() (*ProjectEnvelope, error)
	pushProject  func(data models.ProjectData, baseVersion int64) (int64, *ProjectEnvelope, error)
	fetchSecrets func() (*SecretsEnvelope, error)
	pushSecrets  func(s models.Secrets, baseVersion int64, opID string) (int64, *SecretsEnvelope, error)

	pushedProjects []models.ProjectData
	pushedSecrets  []models.Secrets
	pushedOpIDs    []string
}

func (f *fakeTransport) FetchProject(ctx context.Context) (*ProjectEnvelope, error) {
	if f.fetchProject == nil {
		return nil, ErrNotFound
	}
	return f.fetchProject()
}

func (f *fakeTransport) PushProject(ctx context.Context, data models.ProjectData, baseVersion int64) (int64, *ProjectEnvelope, error) {
	f.pushedProjects = append(f.pushedProjects, data)
	if f.pushProject == nil {
		return baseVersion + 1, nil, nil
	}
	return f.pushProject(data, baseVersion)
}

func (f *fakeTransport) FetchSecrets(ctx context.Context) (*SecretsEnvelope, error) {
	if f.fetchSecrets == nil {
		return nil, ErrNotFound
	}
	return f.fetchSecrets()
}

func (f *fakeTransport) PushSecrets(ctx context.Context, s models.Secrets, baseVersion int64, opID string) (int64, *SecretsEnvelope, error) {
	f.pushedSecrets = append(f.pushedSecrets, s)
	f.pushedOpIDs = append(f.pushedOpIDs, opID)
	if f.pushSecrets == nil {
		return baseVersion + 1, nil, nil
	}
	return f.pushSecrets(s, baseVersion, opID)
}

// memBackup 记录备份调用
type memBackup struct {
	saved map[string]models.ProjectData
}

func (m *memBackup) SaveProjectBackup(key string, data models.ProjectData) error {
	if m.saved == nil {
		m.saved = map[string]models.ProjectData{}
	}
	m.saved[key] = data
	return nil
}

func remoteProject() models.ProjectData {
	return models.ProjectData{
		FileName: "remote.txt",
		Episodes: []models.Episode{{ID: 1, Title: "远端集"}},
	}
}

func localProject() models.ProjectData {
	return models.ProjectData{
		FileName: "local.txt",
		Episodes: []models.Episode{{ID: 1, Title: "本地集"}, {ID: 2, Title: "本地新增"}},
	}
}

// 登录拉取：远端 404 时视为已同步，本地内容保留
func TestProjectLoadNotFound(t *testing.T) {
	ft := &fakeTransport{}
	st := store.New(localProject())
	c := NewProjectChannel(ft, st, nil, ProjectChannelOptions{})
	c.Load(context.Background())

	if got := c.State().Status; got != models.ChannelStatusSynced {
		t.Fatalf("status = %s, want synced", got)
	}
	if st.Get().FileName != "local.txt" {
		t.Fatalf("local data should be untouched")
	}
}

// 登录拉取：仅远端有内容时无条件采用
func TestProjectLoadRemoteOnly(t *testing.T) {
	ft := &fakeTransport{
		fetchProject: func() (*ProjectEnvelope, error) {
			return &ProjectEnvelope{ProjectData: remoteProject(), UpdatedAt: 5}, nil
		},
	}
	st := store.New(models.ProjectData{})
	c := NewProjectChannel(ft, st, nil, ProjectChannelOptions{})
	c.Load(context.Background())

	if st.Get().FileName != "remote.txt" {
		t.Fatalf("remote data should be adopted")
	}
	if got := c.State().Status; got != models.ChannelStatusSynced {
		t.Fatalf("status = %s", got)
	}
	c.Close()
}

// 采用远端快照的登录路径必须正常返回：
// Replace 触发的变更回调会重入通道，持锁调用会把通道卡死
func TestProjectLoadAdoptReturns(t *testing.T) {
	ft := &fakeTransport{
		fetchProject: func() (*ProjectEnvelope, error) {
			return &ProjectEnvelope{ProjectData: remoteProject(), UpdatedAt: 5}, nil
		},
	}
	st := store.New(models.ProjectData{})
	c := NewProjectChannel(ft, st, nil, ProjectChannelOptions{})
	done := make(chan struct{})
	go func() {
		c.Load(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Load blocked while adopting the remote snapshot")
	}
	if st.Get().FileName != "remote.txt" {
		t.Fatalf("remote data should be adopted")
	}
	// 采用后通道照常可用：本地再编辑能走完一轮保存
	st.Update(func(p models.ProjectData) models.ProjectData {
		p.ShotGuide = "登录后的编辑"
		return p
	})
	c.SaveNow(context.Background())
	if len(ft.pushedProjects) != 1 {
		t.Fatalf("pushes = %d, channel should stay usable after load", len(ft.pushedProjects))
	}
	c.Close()
}

// 登录抉择选本地：远端进备份槽位，本地数据不动
func TestProjectLoadConflictKeepLocal(t *testing.T) {
	ft := &fakeTransport{
		fetchProject: func() (*ProjectEnvelope, error) {
			return &ProjectEnvelope{ProjectData: remoteProject(), UpdatedAt: 5}, nil
		},
	}
	bk := &memBackup{}
	st := store.New(localProject())
	var summarized bool
	c := NewProjectChannel(ft, st, bk, ProjectChannelOptions{
		Chooser: func(s merge.Summary) bool {
			summarized = true
			if s.RemoteEpisodes != 1 || s.LocalEpisodes != 2 {
				t.Fatalf("summary = %+v", s)
			}
			return false // 保留本地
		},
	})
	c.Load(context.Background())

	if !summarized {
		t.Fatalf("chooser should have been called with a diff summary")
	}
	if st.Get().FileName != "local.txt" {
		t.Fatalf("keep-local choice must not touch the store")
	}
	if got, ok := bk.saved[BackupKeyRemote]; !ok || got.FileName != "remote.txt" {
		t.Fatalf("losing remote snapshot should be backed up: %+v", bk.saved)
	}
}

// 登录抉择选远端：本地进备份槽位，远端覆盖状态容器
func TestProjectLoadConflictUseRemote(t *testing.T) {
	ft := &fakeTransport{
		fetchProject: func() (*ProjectEnvelope, error) {
			return &ProjectEnvelope{ProjectData: remoteProject(), UpdatedAt: 5}, nil
		},
	}
	bk := &memBackup{}
	st := store.New(localProject())
	c := NewProjectChannel(ft, st, bk, ProjectChannelOptions{
		Chooser: func(merge.Summary) bool { return true },
	})
	c.Load(context.Background())

	if st.Get().FileName != "remote.txt" {
		t.Fatalf("remote should replace local")
	}
	if got, ok := bk.saved[BackupKeyLocal]; !ok || got.FileName != "local.txt" {
		t.Fatalf("losing local snapshot should be backed up: %+v", bk.saved)
	}
	c.Close()
}

// 保存：相对基线无增量时不发请求
func TestProjectSaveSkipsWhenClean(t *testing.T) {
	remote := remoteProject()
	ft := &fakeTransport{
		fetchProject: func() (*ProjectEnvelope, error) {
			return &ProjectEnvelope{ProjectData: remote, UpdatedAt: 5}, nil
		},
	}
	st := store.New(models.ProjectData{})
	c := NewProjectChannel(ft, st, nil, ProjectChannelOptions{})
	c.Load(context.Background())

	c.SaveNow(context.Background())
	if len(ft.pushedProjects) != 0 {
		t.Fatalf("clean snapshot should not be pushed")
	}
}

// 保存成功后版本与基线推进，再保存即为空操作
func TestProjectSaveAdvancesBase(t *testing.T) {
	ft := &fakeTransport{
		fetchProject: func() (*ProjectEnvelope, error) {
			return &ProjectEnvelope{ProjectData: remoteProject(), UpdatedAt: 5}, nil
		},
		pushProject: func(data models.ProjectData, baseVersion int64) (int64, *ProjectEnvelope, error) {
			if baseVersion != 5 {
				t.Fatalf("push baseVersion = %d, want 5", baseVersion)
			}
			return 6, nil, nil
		},
	}
	st := store.New(models.ProjectData{})
	c := NewProjectChannel(ft, st, nil, ProjectChannelOptions{})
	c.Load(context.Background())

	st.Update(func(p models.ProjectData) models.ProjectData {
		p.ShotGuide = "本地编辑"
		return p
	})
	c.SaveNow(context.Background())
	if len(ft.pushedProjects) != 1 {
		t.Fatalf("pushes = %d, want 1", len(ft.pushedProjects))
	}
	c.SaveNow(context.Background())
	if len(ft.pushedProjects) != 1 {
		t.Fatalf("second save should be a no-op, pushes = %d", len(ft.pushedProjects))
	}
	c.Close()
}

// 409：备份本地、采用服务端版本为新基线、合并结果写回并续传本地进展
func TestProjectSaveConflictMergeAndRedo(t *testing.T) {
	server := remoteProject()
	server.SoraGuide = "服务端新增"
	pushCount := 0
	ft := &fakeTransport{
		fetchProject: func() (*ProjectEnvelope, error) {
			return &ProjectEnvelope{ProjectData: remoteProject(), UpdatedAt: 5}, nil
		},
		pushProject: func(data models.ProjectData, baseVersion int64) (int64, *ProjectEnvelope, error) {
			pushCount++
			if pushCount == 1 {
				// 第一笔写撞上服务端的新版本
				return 0, &ProjectEnvelope{ProjectData: server, UpdatedAt: 9}, nil
			}
			if baseVersion != 9 {
				t.Fatalf("redo baseVersion = %d, want server version 9", baseVersion)
			}
			return 10, nil, nil
		},
	}
	bk := &memBackup{}
	st := store.New(models.ProjectData{})
	c := NewProjectChannel(ft, st, bk, ProjectChannelOptions{Debounce: 10 * time.Millisecond})
	c.Load(context.Background())

	st.Update(func(p models.ProjectData) models.ProjectData {
		p.ShotGuide = "本地编辑"
		return p
	})
	c.SaveNow(context.Background())

	// 落败的本地快照进了备份槽位
	if got, ok := bk.saved[BackupKeyLocal]; !ok || got.ShotGuide != "本地编辑" {
		t.Fatalf("conflicting local snapshot should be backed up: %+v", bk.saved)
	}
	// 合并结果落回状态容器：两侧内容都在
	merged := st.Get()
	if merged.ShotGuide != "本地编辑" || merged.SoraGuide != "服务端新增" {
		t.Fatalf("merged snapshot incomplete: %+v", merged)
	}
	// 等待补传周期把本地进展推上去
	deadline := time.Now().Add(2 * time.Second)
	for pushCount < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if pushCount != 2 {
		t.Fatalf("pushes = %d, want redo after conflict", pushCount)
	}
	if got := c.State().Status; got != models.ChannelStatusSynced {
		t.Fatalf("status = %s, want synced", got)
	}
	c.Close()
}

// 瞬态保存失败置 error 状态并累计重试计数，不触碰基线
func TestProjectSaveTransientError(t *testing.T) {
	ft := &fakeTransport{
		fetchProject: func() (*ProjectEnvelope, error) {
			return &ProjectEnvelope{ProjectData: remoteProject(), UpdatedAt: 5}, nil
		},
		pushProject: func(models.ProjectData, int64) (int64, *ProjectEnvelope, error) {
			return 0, nil, context.DeadlineExceeded
		},
	}
	st := store.New(models.ProjectData{})
	c := NewProjectChannel(ft, st, nil, ProjectChannelOptions{})
	c.Load(context.Background())

	st.Update(func(p models.ProjectData) models.ProjectData {
		p.ShotGuide = "本地编辑"
		return p
	})
	c.SaveNow(context.Background())
	state := c.State()
	if state.Status != models.ChannelStatusError || state.RetryCount != 1 {
		t.Fatalf("state = %+v", state)
	}
	c.Close()
}

// 通道停用时不拉取也不保存
func TestProjectChannelDisabled(t *testing.T) {
	ft := &fakeTransport{
		fetchProject: func() (*ProjectEnvelope, error) {
			t.Fatalf("disabled channel must not fetch")
			return nil, nil
		},
	}
	st := store.New(localProject())
	c := NewProjectChannel(ft, st, nil, ProjectChannelOptions{Disabled: true})
	c.Load(context.Background())
	c.SaveNow(context.Background())
	if got := c.State().Status; got != models.ChannelStatusDisabled {
		t.Fatalf("status = %s, want disabled", got)
	}
	if len(ft.pushedProjects) != 0 {
		t.Fatalf("disabled channel must not push")
	}
}

// 灰度配置落到通道选项：白名单账号开启，其余按放量关闭
func TestOptionsForUser(t *testing.T) {
	prev := config.AppConfig
	defer func() { config.AppConfig = prev }()

	cfg := &config.Config{}
	cfg.Sync.Enabled = true
	cfg.Sync.Allowlist = []string{"vip-user"}
	cfg.Sync.RolloutPercent = 0
	cfg.Sync.DebounceMs = 300
	config.AppConfig = cfg

	opts := OptionsForUser("vip-user")
	if opts.Disabled {
		t.Fatalf("allowlisted user must be enabled")
	}
	if opts.Debounce != 300*time.Millisecond {
		t.Fatalf("debounce = %v", opts.Debounce)
	}
	if opts = OptionsForUser("someone-else"); !opts.Disabled {
		t.Fatalf("zero rollout must disable non-allowlisted users")
	}

	config.AppConfig = nil
	if opts = OptionsForUser("vip-user"); !opts.Disabled {
		t.Fatalf("missing config must disable sync")
	}
}
