package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"DramaCraft-server/models"
)

// 生成服务边界：统一的归一化契约，不绑定任何具体供应商的报文格式。
// 文本生成返回数据与 token 用量；视频生成提交后拿任务 ID，再轮询状态。

// TextRequest 一次文本生成调用
type TextRequest struct {
	Kind    string                 `json:"kind"`    // project_summary / episode_summary / shots / sora / storyboard / characters / locations / char_dive / loc_dive
	Prompt  string                 `json:"prompt"`  // 主体内容（剧集正文、场景块等）
	Context string                 `json:"context"` // 项目上下文（摘要、前情等）
	Guide   string                 `json:"guide,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// TextResult 归一化的生成结果
type TextResult struct {
	Data  json.RawMessage `json:"data"`
	Usage models.Usage    `json:"usage"`
}

// 视频任务的归一化状态
const (
	VideoTaskQueued     = "queued"
	VideoTaskProcessing = "processing"
	VideoTaskSucceeded  = "succeeded"
	VideoTaskFailed     = "failed"
)

type VideoTaskStatus struct {
	State    string `json:"state"`
	URL      string `json:"url,omitempty"`
	ErrorMsg string `json:"errorMsg,omitempty"`
}

// TextGenerator 文本生成边界（各阶段生成器依赖）
type TextGenerator interface {
	TextGenerate(ctx context.Context, req TextRequest) (*TextResult, error)
}

// VideoService 视频生成边界（提交 + 状态查询）
type VideoService interface {
	SubmitVideoTask(ctx context.Context, prompt string, params *models.VideoParams) (string, error)
	CheckVideoTask(ctx context.Context, taskID string) (*VideoTaskStatus, error)
}

// ProviderClient 归一化契约的 HTTP 实现
type ProviderClient struct {
	TextBaseURL  string
	VideoBaseURL string
	TextAPIKey   string
	VideoAPIKey  string
	Client       *http.Client
}

func NewProviderClient(textBase, videoBase string, secrets models.Secrets) *ProviderClient {
	return &ProviderClient{
		TextBaseURL:  textBase,
		VideoBaseURL: videoBase,
		TextAPIKey:   secrets.TextAPIKey,
		VideoAPIKey:  secrets.VideoAPIKey,
		Client:       &http.Client{Timeout: 5 * time.Minute},
	}
}

func (p *ProviderClient) TextGenerate(ctx context.Context, req TextRequest) (*TextResult, error) {
	if p.TextBaseURL == "" {
		return nil, fmt.Errorf("missing text api base url")
	}
	if p.TextAPIKey == "" {
		return nil, fmt.Errorf("missing text api key")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request failed: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.TextBaseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.TextAPIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("text generate status: %d", resp.StatusCode)
	}
	var out TextResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode generate response failed: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("generate response missing data")
	}
	return &out, nil
}

func (p *ProviderClient) SubmitVideoTask(ctx context.Context, prompt string, params *models.VideoParams) (string, error) {
	if p.VideoBaseURL == "" {
		return "", fmt.Errorf("missing video api base url")
	}
	if p.VideoAPIKey == "" {
		return "", fmt.Errorf("missing video api key")
	}
	body, err := json.Marshal(map[string]interface{}{
		"prompt": prompt,
		"params": params.Normalized(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal request failed: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.VideoBaseURL+"/v1/videos", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+p.VideoAPIKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("submit video status: %d", resp.StatusCode)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response failed: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("submit response missing 'id'")
	}
	return out.ID, nil
}

func (p *ProviderClient) CheckVideoTask(ctx context.Context, taskID string) (*VideoTaskStatus, error) {
	if p.VideoBaseURL == "" || p.VideoAPIKey == "" {
		return nil, fmt.Errorf("video service not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.VideoBaseURL+"/v1/videos/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.VideoAPIKey)
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("check video status: %d", resp.StatusCode)
	}
	var out VideoTaskStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode check response failed: %w", err)
	}
	return &out, nil
}
