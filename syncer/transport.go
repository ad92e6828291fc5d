// Package syncer 实现离线优先的云同步控制器：
// project 与 secrets 两条互不干扰的通道，各自维护状态、重试与版本。
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"DramaCraft-server/models"
)

// ErrNotFound 服务端尚无该账号的数据（404）
var ErrNotFound = errors.New("remote not found")

// ProjectEnvelope 项目同步接口的应答体
type ProjectEnvelope struct {
	ProjectData models.ProjectData `json:"projectData"`
	UpdatedAt   int64              `json:"updatedAt"`
}

// SecretsEnvelope 密钥同步接口的应答体
type SecretsEnvelope struct {
	Secrets   models.Secrets `json:"secrets"`
	UpdatedAt int64          `json:"updatedAt"`
}

// Transport 同步通道对网络层的全部依赖。
// Push 返回 conflict 非空表示服务端版本不一致（409），携带服务端当前值。
type Transport interface {
	FetchProject(ctx context.Context) (*ProjectEnvelope, error)
	PushProject(ctx context.Context, data models.ProjectData, baseVersion int64) (newVersion int64, conflict *ProjectEnvelope, err error)
	FetchSecrets(ctx context.Context) (*SecretsEnvelope, error)
	PushSecrets(ctx context.Context, secrets models.Secrets, baseVersion int64, opID string) (newVersion int64, conflict *SecretsEnvelope, err error)
}

// HTTPTransport 按 §6 契约访问同步服务端
type HTTPTransport struct {
	BaseURL  string
	Token    string
	DeviceID string
	Client   *http.Client
}

func NewHTTPTransport(baseURL, token, deviceID string) *HTTPTransport {
	return &HTTPTransport{
		BaseURL:  baseURL,
		Token:    token,
		DeviceID: deviceID,
		Client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, body interface{}, withDevice bool) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request failed: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+t.Token)
	req.Header.Set("Content-Type", "application/json")
	if withDevice {
		req.Header.Set("x-device-id", t.DeviceID)
	}
	return t.Client.Do(req)
}

func (t *HTTPTransport) FetchProject(ctx context.Context) (*ProjectEnvelope, error) {
	resp, err := t.do(ctx, http.MethodGet, "/api/project", nil, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch project status: %d", resp.StatusCode)
	}
	var env ProjectEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode project response failed: %w", err)
	}
	return &env, nil
}

func (t *HTTPTransport) PushProject(ctx context.Context, data models.ProjectData, baseVersion int64) (int64, *ProjectEnvelope, error) {
	body := ProjectEnvelope{ProjectData: data, UpdatedAt: baseVersion}
	resp, err := t.do(ctx, http.MethodPut, "/api/project", body, false)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		var out struct {
			UpdatedAt int64 `json:"updatedAt"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return 0, nil, fmt.Errorf("decode save response failed: %w", err)
		}
		return out.UpdatedAt, nil, nil
	case http.StatusConflict:
		var env ProjectEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return 0, nil, fmt.Errorf("decode conflict response failed: %w", err)
		}
		return 0, &env, nil
	default:
		return 0, nil, fmt.Errorf("save project status: %d", resp.StatusCode)
	}
}

func (t *HTTPTransport) FetchSecrets(ctx context.Context) (*SecretsEnvelope, error) {
	resp, err := t.do(ctx, http.MethodGet, "/api/secrets", nil, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch secrets status: %d", resp.StatusCode)
	}
	var env SecretsEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode secrets response failed: %w", err)
	}
	return &env, nil
}

func (t *HTTPTransport) PushSecrets(ctx context.Context, secrets models.Secrets, baseVersion int64, opID string) (int64, *SecretsEnvelope, error) {
	body := struct {
		Secrets   models.Secrets `json:"secrets"`
		UpdatedAt int64          `json:"updatedAt"`
		OpID      string         `json:"opId"`
	}{secrets, baseVersion, opID}
	resp, err := t.do(ctx, http.MethodPut, "/api/secrets", body, true)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		var out struct {
			UpdatedAt int64 `json:"updatedAt"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return 0, nil, fmt.Errorf("decode save response failed: %w", err)
		}
		return out.UpdatedAt, nil, nil
	case http.StatusConflict:
		var env SecretsEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return 0, nil, fmt.Errorf("decode conflict response failed: %w", err)
		}
		return 0, &env, nil
	default:
		return 0, nil, fmt.Errorf("save secrets status: %d", resp.StatusCode)
	}
}
