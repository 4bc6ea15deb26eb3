package handlers

// TaskRef is the part every task payload carries: which control-plane task
// to report on and which survey it is about.
type TaskRef struct {
	TaskID    int    `json:"task_id"`
	ProjectID int    `json:"project_id"`
	KBID      string `json:"kbid"`
	KeyNumber int    `json:"key_number"`
}

func (r TaskRef) ref() TaskRef { return r }

type InsightsPayload struct {
	TaskRef
	TokenLimit         *int    `json:"token_limit"`
	Focus              *string `json:"focus"`
	NumberOfInsights   *int    `json:"number_of_insights"`
	FocusAgentPrompt   *string `json:"focus_agent_prompt"`
	InsightAgentPrompt *string `json:"insight_agent_prompt"`
}

type MemoPayload struct {
	TaskRef
	TokenLimit *int     `json:"token_limit"`
	MemoID     int      `json:"memo_id"`
	DocID      string   `json:"doc_id"`
	Focus      *string  `json:"focus"`
	Insights   []string `json:"insights"`
}

type SlidesPayload struct {
	TaskRef
	TokenLimit  *int   `json:"token_limit"`
	SlidedeckID int    `json:"slidedeck_id"`
	DocID       string `json:"doc_id"`
	SheetsID    string `json:"sheets_id"`
	SlidesID    string `json:"slides_id"`
}

type SurveyDataPayload struct {
	TaskRef
}

type FullReportPayload struct {
	TaskRef
	TokenLimit *int   `json:"token_limit"`
	DocID      string `json:"doc_id"`
	SheetsID   string `json:"sheets_id"`
	SlidesID   string `json:"slides_id"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
