package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"DramaCraft-server/models"
)

// 本地保存成功：版本推进、状态 synced、opId 随请求上送
func TestSecretsSetLocalSaves(t *testing.T) {
	ft := &fakeTransport{
		pushSecrets: func(s models.Secrets, baseVersion int64, opID string) (int64, *SecretsEnvelope, error) {
			if opID == "" {
				t.Fatalf("push without opId")
			}
			return baseVersion + 1, nil, nil
		},
	}
	c := NewSecretsChannel(ft, SecretsChannelOptions{})
	c.SetLocal(models.Secrets{TextAPIKey: "K1"})

	if len(ft.pushedSecrets) != 1 || ft.pushedSecrets[0].TextAPIKey != "K1" {
		t.Fatalf("pushed = %+v", ft.pushedSecrets)
	}
	if got := c.State(); got.Status != models.ChannelStatusSynced || got.PendingOps != 0 {
		t.Fatalf("state = %+v", got)
	}
}

// 409 冲突：直接采用服务端值与版本，并回调落地
func TestSecretsConflictServerWins(t *testing.T) {
	ft := &fakeTransport{
		pushSecrets: func(s models.Secrets, baseVersion int64, opID string) (int64, *SecretsEnvelope, error) {
			return 0, &SecretsEnvelope{Secrets: models.Secrets{TextAPIKey: "R"}, UpdatedAt: 7}, nil
		},
	}
	var applied *models.Secrets
	c := NewSecretsChannel(ft, SecretsChannelOptions{
		OnApply: func(s models.Secrets) { applied = &s },
	})
	c.SetLocal(models.Secrets{TextAPIKey: "L"})

	if got := c.Secrets(); got.TextAPIKey != "R" {
		t.Fatalf("secrets = %+v, server value should win", got)
	}
	if applied == nil || applied.TextAPIKey != "R" {
		t.Fatalf("server value should be applied locally: %+v", applied)
	}
	if got := c.State().Status; got != models.ChannelStatusSynced {
		t.Fatalf("status = %s", got)
	}
}

// 保存失败：载荷放回槽位并按退避重试，成功后计数归零
func TestSecretsRetryWithBackoff(t *testing.T) {
	attempts := 0
	ft := &fakeTransport{
		pushSecrets: func(s models.Secrets, baseVersion int64, opID string) (int64, *SecretsEnvelope, error) {
			attempts++
			if attempts < 3 {
				return 0, nil, errors.New("network down")
			}
			return baseVersion + 1, nil, nil
		},
	}
	c := NewSecretsChannel(ft, SecretsChannelOptions{
		Backoff: NewBackoff(5*time.Millisecond, 20*time.Millisecond),
	})
	c.SetLocal(models.Secrets{TextAPIKey: "K"})

	deadline := time.Now().Add(2 * time.Second)
	for attempts < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want eventual success on 3rd", attempts)
	}
	// 等重试回调更新完状态
	time.Sleep(20 * time.Millisecond)
	if got := c.State(); got.Status != models.ChannelStatusSynced || got.RetryCount != 0 {
		t.Fatalf("state = %+v", got)
	}
	c.Close()
}

// 单槽合并：在途保存期间的多次修改只保留最新值，一次补传
func TestSecretsCoalescing(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	ft := &fakeTransport{
		pushSecrets: func(s models.Secrets, baseVersion int64, opID string) (int64, *SecretsEnvelope, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			if s.TextAPIKey == "K1" {
				<-gate // 第一笔写挂起，期间本地连续修改
			}
			return baseVersion + 1, nil, nil
		},
	}
	c := NewSecretsChannel(ft, SecretsChannelOptions{})

	done := make(chan struct{})
	go func() {
		c.SetLocal(models.Secrets{TextAPIKey: "K1"})
		close(done)
	}()
	<-started
	c.SetLocal(models.Secrets{TextAPIKey: "K2"})
	c.SetLocal(models.Secrets{TextAPIKey: "K3"}) // 覆盖 K2
	close(gate)
	<-done

	deadline := time.Now().Add(2 * time.Second)
	for len(ft.pushedSecrets) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(ft.pushedSecrets) != 2 {
		t.Fatalf("pushes = %d, want exactly 2 (K1 then latest)", len(ft.pushedSecrets))
	}
	if ft.pushedSecrets[1].TextAPIKey != "K3" {
		t.Fatalf("second push = %+v, want coalesced latest value", ft.pushedSecrets[1])
	}
	if ft.pushedOpIDs[0] == ft.pushedOpIDs[1] {
		t.Fatalf("each queued op should carry its own opId")
	}
}

// 远端 404 视为已同步的空密钥
func TestSecretsLoadNotFound(t *testing.T) {
	c := NewSecretsChannel(&fakeTransport{}, SecretsChannelOptions{})
	c.Load(context.Background())
	if got := c.State().Status; got != models.ChannelStatusSynced {
		t.Fatalf("status = %s", got)
	}
	if !c.Secrets().IsEmpty() {
		t.Fatalf("secrets should stay empty")
	}
}

// 加载成功把服务端值落地
func TestSecretsLoad(t *testing.T) {
	ft := &fakeTransport{
		fetchSecrets: func() (*SecretsEnvelope, error) {
			return &SecretsEnvelope{Secrets: models.Secrets{VideoAPIKey: "V"}, UpdatedAt: 3}, nil
		},
	}
	var applied models.Secrets
	c := NewSecretsChannel(ft, SecretsChannelOptions{
		OnApply: func(s models.Secrets) { applied = s },
	})
	c.Load(context.Background())
	if c.Secrets().VideoAPIKey != "V" || applied.VideoAPIKey != "V" {
		t.Fatalf("load did not apply server secrets")
	}
}
