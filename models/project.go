package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// 剧集状态（按流水线推进顺序排列，error 不参与顺序比较）
const (
	EpisodeStatusPending              = "pending"
	EpisodeStatusGenerating           = "generating"
	EpisodeStatusReviewShots          = "review_shots"
	EpisodeStatusConfirmedShots       = "confirmed_shots"
	EpisodeStatusGeneratingStoryboard = "generating_storyboard"
	EpisodeStatusReviewStoryboard     = "review_storyboard"
	EpisodeStatusGeneratingSora       = "generating_sora"
	EpisodeStatusReviewSora           = "review_sora"
	EpisodeStatusCompleted            = "completed"
	EpisodeStatusError                = "error"
)

// EpisodeStatusOrder 剧集状态的固定推进序列，status-by-order 合并策略依赖该顺序
var EpisodeStatusOrder = []string{
	EpisodeStatusPending,
	EpisodeStatusGenerating,
	EpisodeStatusReviewShots,
	EpisodeStatusConfirmedShots,
	EpisodeStatusGeneratingStoryboard,
	EpisodeStatusReviewStoryboard,
	EpisodeStatusGeneratingSora,
	EpisodeStatusReviewSora,
	EpisodeStatusCompleted,
}

// 分镜视频任务状态
const (
	VideoStatusIdle       = "idle"
	VideoStatusQueued     = "queued"
	VideoStatusGenerating = "generating"
	VideoStatusCompleted  = "completed"
	VideoStatusError      = "error"
)

var VideoStatusOrder = []string{
	VideoStatusIdle,
	VideoStatusQueued,
	VideoStatusGenerating,
	VideoStatusCompleted,
}

// Usage 生成接口的 token 消耗统计
type Usage struct {
	PromptTokens   int `json:"promptTokens"`
	ResponseTokens int `json:"responseTokens"`
	TotalTokens    int `json:"totalTokens"`
}

func (u *Usage) Add(o Usage) {
	u.PromptTokens += o.PromptTokens
	u.ResponseTokens += o.ResponseTokens
	u.TotalTokens += o.TotalTokens
}

// PhaseStat 各阶段成功/失败计数
type PhaseStat struct {
	Success int `json:"success"`
	Error   int `json:"error"`
}

type ProjectStats struct {
	Analysis   PhaseStat `json:"analysis"`
	Shots      PhaseStat `json:"shots"`
	Storyboard PhaseStat `json:"storyboard"`
	Sora       PhaseStat `json:"sora"`
	Video      PhaseStat `json:"video"`
}

// VideoParams 视频生成参数。InputImage 是本地参考图句柄，
// 不参与序列化比较（见 Normalized）。
type VideoParams struct {
	Model       string `json:"model,omitempty"`
	Resolution  string `json:"resolution,omitempty"`
	Duration    int    `json:"duration,omitempty"`
	AspectRatio string `json:"aspectRatio,omitempty"`
	InputImage  string `json:"inputImage,omitempty"`
}

// Normalized 返回去掉 InputImage 的副本，用于跨端比较
func (v *VideoParams) Normalized() *VideoParams {
	if v == nil {
		return nil
	}
	c := *v
	c.InputImage = ""
	return &c
}

// Shot 分镜，生成工作的最小单位。ID 形如 "<scene-id>-<shot-number>"，例 "1-1-01"。
type Shot struct {
	ID               string       `json:"id"`
	Duration         float64      `json:"duration,omitempty"`
	ShotType         string       `json:"shotType,omitempty"`
	Movement         string       `json:"movement,omitempty"`
	Description      string       `json:"description,omitempty"`
	Dialogue         string       `json:"dialogue,omitempty"`
	SoraPrompt       string       `json:"soraPrompt,omitempty"`
	StoryboardPrompt string       `json:"storyboardPrompt,omitempty"`
	VideoStatus      string       `json:"videoStatus,omitempty"`
	VideoURL         string       `json:"videoUrl,omitempty"`
	VideoID          string       `json:"videoId,omitempty"`
	VideoStartTime   int64        `json:"videoStartTime,omitempty"`
	VideoErrorMsg    string       `json:"videoErrorMsg,omitempty"`
	FinalVideoPrompt string       `json:"finalVideoPrompt,omitempty"`
	VideoParams      *VideoParams `json:"videoParams,omitempty"`
	IsApproved       bool         `json:"isApproved,omitempty"`
}

// ScenePrefixOf 去掉分镜 ID 的最后一段得到所属场景前缀，
// 例如 "1-1-01" -> "1-1"。提示词生成按该前缀分块调用外部接口。
func ScenePrefixOf(shotID string) string {
	i := strings.LastIndex(shotID, "-")
	if i < 0 {
		return shotID
	}
	return shotID[:i]
}

// Scene 场景，解析后除合并外不再修改
type Scene struct {
	ID        string            `json:"id"`
	Title     string            `json:"title,omitempty"`
	Content   string            `json:"content,omitempty"`
	Partition string            `json:"partition,omitempty"`
	TimeOfDay string            `json:"timeOfDay,omitempty"`
	Location  string            `json:"location,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Episode 剧集，阶段进度跟踪的基本单位
type Episode struct {
	ID              int     `json:"id"`
	Title           string  `json:"title,omitempty"`
	Content         string  `json:"content,omitempty"`
	Scenes          []Scene `json:"scenes,omitempty"`
	Shots           []Shot  `json:"shots,omitempty"`
	Status          string  `json:"status,omitempty"`
	ErrorMsg        string  `json:"errorMsg,omitempty"`
	ShotUsage       Usage   `json:"shotUsage"`
	StoryboardUsage Usage   `json:"storyboardUsage"`
	SoraUsage       Usage   `json:"soraUsage"`
}

// ProjectData 项目聚合根，每个账号一份，整体作为 JSON 存库与同步
type ProjectData struct {
	FileName         string            `json:"fileName,omitempty"`
	RawScript        string            `json:"rawScript,omitempty"`
	Episodes         []Episode         `json:"episodes,omitempty"`
	Context          ProjectContext    `json:"context"`
	DesignAssets     map[string]string `json:"designAssets,omitempty"`
	ContextUsage     Usage             `json:"contextUsage"`
	Phase1Usage      Usage             `json:"phase1Usage"`
	Phase4Usage      Usage             `json:"phase4Usage"`
	Phase5Usage      Usage             `json:"phase5Usage"`
	ShotGuide        string            `json:"shotGuide,omitempty"`
	SoraGuide        string            `json:"soraGuide,omitempty"`
	StoryboardGuide  string            `json:"storyboardGuide,omitempty"`
	DramaGuide       string            `json:"dramaGuide,omitempty"`
	GlobalStyleGuide string            `json:"globalStyleGuide,omitempty"`
	Stats            ProjectStats      `json:"stats"`
}

// IsEmpty 判断项目是否没有实际内容（用于登录时的冲突判定）
func (p *ProjectData) IsEmpty() bool {
	if p == nil {
		return true
	}
	if len(p.Episodes) > 0 {
		return false
	}
	if strings.TrimSpace(p.RawScript) != "" {
		return false
	}
	if len(p.DesignAssets) > 0 {
		return false
	}
	return true
}

// EpisodeByID 按 ID 查找剧集，返回索引与指针
func (p *ProjectData) EpisodeByID(id int) (int, *Episode) {
	for i := range p.Episodes {
		if p.Episodes[i].ID == id {
			return i, &p.Episodes[i]
		}
	}
	return -1, nil
}

// Clone 深拷贝（JSON 往返），用于状态容器对外发布快照
func (p ProjectData) Clone() ProjectData {
	b, _ := json.Marshal(p)
	var c ProjectData
	_ = json.Unmarshal(b, &c)
	return c
}

// 实现 driver.Valuer 接口: Go Struct -> JSON String (存入数据库)
func (p ProjectData) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// 实现 sql.Scanner 接口: JSON String -> Go Struct (从数据库读取)
func (p *ProjectData) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, p)
}
