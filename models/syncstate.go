package models

import "time"

// 同步通道状态（project / secrets 两条独立通道共用同一形状）
const (
	ChannelStatusIdle     = "idle"
	ChannelStatusLoading  = "loading"
	ChannelStatusSyncing  = "syncing"
	ChannelStatusSynced   = "synced"
	ChannelStatusConflict = "conflict"
	ChannelStatusError    = "error"
	ChannelStatusDisabled = "disabled"
)

// SyncChannelState 单通道状态，每次会话重建，不落库
type SyncChannelState struct {
	Status        string    `json:"status"`
	LastSyncAt    time.Time `json:"lastSyncAt,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
	PendingOps    int       `json:"pendingOps"`
	RetryCount    int       `json:"retryCount"`
	LastAttemptAt time.Time `json:"lastAttemptAt,omitempty"`
}

type SyncState struct {
	Project SyncChannelState `json:"project"`
	Secrets SyncChannelState `json:"secrets"`
}

// Secrets 三把供应商 API Key，整体按 last-writer-wins 同步
type Secrets struct {
	TextAPIKey  string `json:"textApiKey,omitempty"`
	MultiAPIKey string `json:"multiApiKey,omitempty"`
	VideoAPIKey string `json:"videoApiKey,omitempty"`
}

func (s Secrets) IsEmpty() bool {
	return s.TextAPIKey == "" && s.MultiAPIKey == "" && s.VideoAPIKey == ""
}
