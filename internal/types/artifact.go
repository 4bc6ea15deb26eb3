package types

import "encoding/json"

const (
	ResourceInsight    = "Insight"
	ResourceMemo       = "Memo"
	ResourceSlidedeck  = "Slidedeck"
	ResourceSurveyData = "SurveyData"
)

const (
	ActionCreate   = "Create"
	ActionAppend   = "Append"
	ActionEdit     = "Edit"
	ActionPopulate = "Populate"
)

// Artifact records a side effect produced while executing a task. It is
// posted to /Tasks/{id}/artifacts when the task succeeds.
type Artifact struct {
	ResourceType      string          `json:"resourceType"`
	Action            string          `json:"action"`
	TotalTokens       int             `json:"totalTokens"`
	CreatedResourceID *int            `json:"createdResourceId,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
}

// WithResource returns a copy of a pointing at the created resource id.
func (a Artifact) WithResource(id int) Artifact {
	a.CreatedResourceID = &id
	return a
}
