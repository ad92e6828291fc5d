// Package workflow 维护"流水线走到哪了"的会话内状态机。
// 状态不落库，每次会话由 ProjectData 的剧集状态反推重建。
package workflow

import "sync"

// Step 流水线顶层阶段
type Step string

const (
	StepIdle               Step = "IDLE"
	StepSetupContext       Step = "SETUP_CONTEXT"
	StepGenerateShots      Step = "GENERATE_SHOTS"
	StepGenerateSora       Step = "GENERATE_SORA"
	StepGenerateStoryboard Step = "GENERATE_STORYBOARD"
	StepGenerateVideo      Step = "GENERATE_VIDEO"
	StepCompleted          Step = "COMPLETED"
)

// AnalysisStep 理解阶段的线性子步骤
type AnalysisStep string

const (
	AnalysisIdle               AnalysisStep = "IDLE"
	AnalysisProjectSummary     AnalysisStep = "PROJECT_SUMMARY"
	AnalysisEpisodeSummaries   AnalysisStep = "EPISODE_SUMMARIES"
	AnalysisCharIdentification AnalysisStep = "CHAR_IDENTIFICATION"
	AnalysisCharDeepDive       AnalysisStep = "CHAR_DEEP_DIVE"
	AnalysisLocIdentification  AnalysisStep = "LOC_IDENTIFICATION"
	AnalysisLocDeepDive        AnalysisStep = "LOC_DEEP_DIVE"
	AnalysisComplete           AnalysisStep = "COMPLETE"
)

// AnalysisOrder 理解阶段的推进顺序
var AnalysisOrder = []AnalysisStep{
	AnalysisProjectSummary,
	AnalysisEpisodeSummaries,
	AnalysisCharIdentification,
	AnalysisCharDeepDive,
	AnalysisLocIdentification,
	AnalysisLocDeepDive,
	AnalysisComplete,
}

// NextAnalysisStep 返回 s 的下一个子步骤，已到末尾则原样返回
func NextAnalysisStep(s AnalysisStep) AnalysisStep {
	for i, step := range AnalysisOrder {
		if step == s && i+1 < len(AnalysisOrder) {
			return AnalysisOrder[i+1]
		}
	}
	return s
}

// WorkItem 批处理子步骤的通用工作项（分集摘要/角色深挖/场地深挖）
type WorkItem struct {
	Kind      string `json:"kind"` // episode_summary / char_dive / loc_dive
	EpisodeID int    `json:"episodeId,omitempty"`
	EntityID  string `json:"entityId,omitempty"`
	Label     string `json:"label,omitempty"`
}

// State 会话内工作流状态
type State struct {
	Step             Step         `json:"step"`
	AnalysisStep     AnalysisStep `json:"analysisStep"`
	CurrentEpIndex   int          `json:"currentEpIndex"`
	ActiveTab        string       `json:"activeTab"`
	IsProcessing     bool         `json:"isProcessing"`
	ProcessingStatus string       `json:"processingStatus,omitempty"`
	AnalysisQueue    []WorkItem   `json:"analysisQueue,omitempty"`
	AnalysisTotal    int          `json:"analysisTotal"`
}

func NewState() State {
	return State{Step: StepIdle, AnalysisStep: AnalysisIdle}
}

// CanConfirmAnalysis 当前子步骤可确认推进：队列清空且没有在途处理
func (s State) CanConfirmAnalysis() bool {
	return len(s.AnalysisQueue) == 0 && !s.IsProcessing
}

type ActionType string

const (
	ActionSetStep         ActionType = "SET_STEP"
	ActionSetAnalysisStep ActionType = "SET_ANALYSIS_STEP"
	ActionSetCurrentEp    ActionType = "SET_CURRENT_EP_INDEX"
	ActionSetActiveTab    ActionType = "SET_ACTIVE_TAB"
	ActionSetProcessing   ActionType = "SET_PROCESSING"
	ActionSetStatus       ActionType = "SET_STATUS"
	ActionSetQueue        ActionType = "SET_QUEUE"
	ActionShiftQueue      ActionType = "SHIFT_QUEUE"
	ActionReset           ActionType = "RESET"
)

// Action 单个状态变更。字段按 Type 取用，未用字段忽略。
type Action struct {
	Type         ActionType
	Step         Step
	AnalysisStep AnalysisStep
	Index        int
	Tab          string
	Processing   bool
	Status       string
	Queue        []WorkItem
}

// Reduce 纯函数 reducer，输入旧状态与动作返回新状态
func Reduce(s State, a Action) State {
	switch a.Type {
	case ActionSetStep:
		s.Step = a.Step
	case ActionSetAnalysisStep:
		s.AnalysisStep = a.AnalysisStep
	case ActionSetCurrentEp:
		s.CurrentEpIndex = a.Index
	case ActionSetActiveTab:
		s.ActiveTab = a.Tab
	case ActionSetProcessing:
		s.IsProcessing = a.Processing
		if !a.Processing {
			s.ProcessingStatus = ""
		}
	case ActionSetStatus:
		s.ProcessingStatus = a.Status
	case ActionSetQueue:
		s.AnalysisQueue = a.Queue
		s.AnalysisTotal = len(a.Queue)
	case ActionShiftQueue:
		if len(s.AnalysisQueue) > 0 {
			s.AnalysisQueue = s.AnalysisQueue[1:]
		}
	case ActionReset:
		// 仅保留当前页签
		tab := s.ActiveTab
		s = NewState()
		s.ActiveTab = tab
	}
	return s
}

// Engine 把 reducer 包成线程安全的状态容器；
// 生成器与接口层通过 Dispatch 串行推进状态。
type Engine struct {
	mu    sync.Mutex
	state State
}

func NewEngine() *Engine {
	return &Engine{state: NewState()}
}

func (e *Engine) Dispatch(a Action) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = Reduce(e.state, a)
	return e.state
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}
