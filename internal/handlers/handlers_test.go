package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/nathanielvictory/VirtualConsultantTwo/internal/agent"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/docs"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/lifecycle"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/modules"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Every scripted call costs 10 input and 5 output tokens: 30 at weight 4.
var callUsage = agent.Usage{Requests: 1, InputTokens: 10, OutputTokens: 5}

const callCost = 30

type scriptedAgent struct {
	mu      sync.Mutex
	outputs map[string][]string
	errs    map[string]error
	calls   []agent.Call
}

// Run replays the queued outputs of call.Agent; the last one repeats.
func (a *scriptedAgent) Run(_ context.Context, call agent.Call) (agent.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, call)

	if err, ok := a.errs[call.Agent]; ok {
		return agent.Result{Usage: callUsage}, err
	}
	q := a.outputs[call.Agent]
	if len(q) == 0 {
		return agent.Result{Usage: callUsage}, fmt.Errorf("%w: nothing scripted for %s", agent.ErrInvalidOutput, call.Agent)
	}
	if len(q) > 1 {
		a.outputs[call.Agent] = q[1:]
	}
	return agent.Result{Output: json.RawMessage(q[0]), Usage: callUsage}, nil
}

func (a *scriptedAgent) count(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if c.Agent == name {
			n++
		}
	}
	return n
}

type fakeDocs struct {
	mu       sync.Mutex
	text     map[string]string
	appended map[string][]string
	slides   map[string][]docs.Slide
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{
		text:     map[string]string{},
		appended: map[string][]string{},
		slides:   map[string][]docs.Slide{},
	}
}

func (d *fakeDocs) ReadText(_ context.Context, docID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text[docID], nil
}

func (d *fakeDocs) AppendText(_ context.Context, docID, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.appended[docID] = append(d.appended[docID], text)
	d.text[docID] += text + "\n"
	return nil
}

func (d *fakeDocs) AddSlide(_ context.Context, presentationID string, slide docs.Slide) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.slides[presentationID] = append(d.slides[presentationID], slide)
	return nil
}

type fakeSurveys struct {
	data json.RawMessage
	err  error
}

func (f fakeSurveys) Load(context.Context, string, int) (json.RawMessage, error) {
	return f.data, f.err
}

type fakeControlPlane struct {
	mu        sync.Mutex
	trace     []string
	updates   []types.TaskUpdate
	artifacts []types.Artifact
	insights  []map[string]interface{}
}

func (f *fakeControlPlane) BaseURL() string { return "http://control-plane/api" }

func (f *fakeControlPlane) Headers(context.Context) (http.Header, error) {
	return http.Header{"Authorization": []string{"Bearer test"}}, nil
}

func (f *fakeControlPlane) Send(_ context.Context, method, path string, body, out interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if method != http.MethodPost || path != "/Insights" {
		return fmt.Errorf("unexpected %s %s", method, path)
	}
	f.insights = append(f.insights, body.(map[string]interface{}))
	f.trace = append(f.trace, "insight")
	return json.Unmarshal([]byte(fmt.Sprintf(`{"id":%d}`, 100+len(f.insights))), out)
}

func (f *fakeControlPlane) PatchTask(_ context.Context, _ int, u types.TaskUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	switch {
	case u.Status != "":
		f.trace = append(f.trace, string(u.Status))
	case u.Progress != nil:
		f.trace = append(f.trace, fmt.Sprintf("progress %d", *u.Progress))
	}
	return nil
}

func (f *fakeControlPlane) PostArtifact(_ context.Context, _ int, a types.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts = append(f.artifacts, a)
	f.trace = append(f.trace, "artifact "+a.ResourceType)
	return nil
}

type harness struct {
	agent    *scriptedAgent
	docs     *fakeDocs
	cp       *fakeControlPlane
	sessions int
	results  []types.TaskResult
	routes   *modules.RoutingTable
}

func newHarness(t *testing.T, a *scriptedAgent, surveys fakeSurveys) *harness {
	t.Helper()
	h := &harness{agent: a, docs: newFakeDocs(), cp: &fakeControlPlane{}}
	routes, err := Register(modules.NewRoutingBuilder(), Deps{
		NewSession: func() lifecycle.ControlPlane {
			h.sessions++
			return h.cp
		},
		Agent:        a,
		Documents:    h.docs,
		Surveys:      surveys,
		OnResult:     func(r types.TaskResult) { h.results = append(h.results, r) },
		OutputWeight: 4,
	}).Build()
	require.NoError(t, err)
	h.routes = routes
	return h
}

func (h *harness) dispatch(t *testing.T, key string, body string) error {
	t.Helper()
	handler, ok := h.routes.Lookup(key)
	require.True(t, ok, key)
	return handler(context.Background(), []byte(body))
}

func TestRegisterBindsEveryRoutingKey(t *testing.T) {
	h := newHarness(t, &scriptedAgent{}, fakeSurveys{})
	assert.Equal(t, []string{
		RoutingKeyFullReport,
		RoutingKeyInsights,
		RoutingKeyMemo,
		RoutingKeySlides,
		RoutingKeySurveyData,
	}, h.routes.Keys())
	assert.ElementsMatch(t, RoutingKeys(), h.routes.Keys())
}

func TestInvalidPayloadIsDroppedWithoutReporting(t *testing.T) {
	h := newHarness(t, &scriptedAgent{}, fakeSurveys{})

	bodies := map[string]string{
		"not json":        `{"task_id":`,
		"missing task id": `{"project_id":1,"kbid":"kb","key_number":2}`,
		"extra field":     `{"task_id":1,"project_id":1,"kbid":"kb","key_number":2,"surprise":true}`,
		"wrong type":      `{"task_id":"one","project_id":1,"kbid":"kb","key_number":2}`,
		"too many":        `{"task_id":1,"project_id":1,"kbid":"kb","key_number":2,"number_of_insights":6}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, h.dispatch(t, RoutingKeyInsights, body))
		})
	}
	assert.Zero(t, h.sessions)
	assert.Empty(t, h.cp.trace)
}

func TestInsightsWithGivenFocus(t *testing.T) {
	a := &scriptedAgent{outputs: map[string][]string{
		"insight": {`{"insight":"Prices matter"}`, `{"insight":"Delivery lags"}`},
	}}
	h := newHarness(t, a, fakeSurveys{})

	err := h.dispatch(t, RoutingKeyInsights,
		`{"task_id":7,"project_id":3,"kbid":"kb","key_number":2,"focus":"pricing","number_of_insights":2,"token_limit":null}`)
	require.NoError(t, err)

	assert.Zero(t, a.count("focus"))
	assert.Equal(t, 2, a.count("insight"))
	assert.Equal(t, []string{
		"Running",
		"progress 1",
		"progress 50",
		"progress 99",
		"insight",
		"insight",
		"artifact Insight",
		"artifact Insight",
		"Succeeded",
	}, h.cp.trace)

	require.Len(t, h.cp.insights, 2)
	assert.Equal(t, 3, h.cp.insights[0]["projectId"])
	assert.Equal(t, "Prices matter", h.cp.insights[0]["content"])
	assert.Equal(t, "Llm", h.cp.insights[0]["source"])

	require.Len(t, h.cp.artifacts, 2)
	assert.Equal(t, 101, *h.cp.artifacts[0].CreatedResourceID)
	assert.Equal(t, 102, *h.cp.artifacts[1].CreatedResourceID)
	assert.Equal(t, 2*callCost, h.cp.artifacts[0].TotalTokens+h.cp.artifacts[1].TotalTokens)

	require.Len(t, h.results, 1)
	assert.Equal(t, 7, h.results[0].TaskID)
	assert.Equal(t, RoutingKeyInsights, h.results[0].RoutingKey)
	assert.Equal(t, types.TaskStatusSucceeded, h.results[0].Status)
}

func TestInsightsAsksFocusAgentWhenNoFocusGiven(t *testing.T) {
	a := &scriptedAgent{outputs: map[string][]string{
		"focus":   {`{"focuses":["pricing"," ","delivery"]}`},
		"insight": {`{"insight":"An insight"}`},
	}}
	h := newHarness(t, a, fakeSurveys{})

	err := h.dispatch(t, RoutingKeyInsights,
		`{"task_id":1,"project_id":1,"kbid":"kb","key_number":2,"focus_agent_prompt":"Be brief"}`)
	require.NoError(t, err)

	assert.Equal(t, 1, a.count("focus"))
	assert.Equal(t, 2*defaultInsightsPerFocus, a.count("insight"))
	assert.Len(t, h.cp.artifacts, 2*defaultInsightsPerFocus)
	assert.Equal(t, "Be brief", a.calls[0].Instructions)
	assert.Equal(t, "kb", a.calls[0].Context["kbid"])
}

func TestInsightsFocusAgentExhaustedFailsTask(t *testing.T) {
	a := &scriptedAgent{outputs: map[string][]string{"focus": {`{"focuses":[]}`}}}
	h := newHarness(t, a, fakeSurveys{})

	err := h.dispatch(t, RoutingKeyInsights, `{"task_id":1,"project_id":1,"kbid":"kb","key_number":2}`)
	require.Error(t, err)
	assert.Equal(t, focusAttempts, a.count("focus"))
	assert.Equal(t, []string{"Running", "Failed"}, h.cp.trace)
}

func TestInsightsWithNoneGeneratedFailsTask(t *testing.T) {
	a := &scriptedAgent{outputs: map[string][]string{"insight": {`{"insight":""}`}}}
	h := newHarness(t, a, fakeSurveys{})

	err := h.dispatch(t, RoutingKeyInsights,
		`{"task_id":5,"project_id":1,"kbid":"kb","key_number":2,"focus":"pricing","number_of_insights":1}`)
	require.ErrorIs(t, err, ErrNoInsights)

	assert.Equal(t, insightAttempts, a.count("insight"))
	assert.Empty(t, h.cp.artifacts)
	assert.Equal(t, types.TaskStatusFailed, h.cp.updates[len(h.cp.updates)-1].Status)
	assert.Equal(t, ErrNoInsights.Error(), *h.cp.updates[len(h.cp.updates)-1].ErrorMessage)
	require.Len(t, h.results, 1)
	assert.Equal(t, types.TaskStatusFailed, h.results[0].Status)
}

func TestMemoWritesEachBlock(t *testing.T) {
	a := &scriptedAgent{outputs: map[string][]string{
		"memo":       {`{"blocks":[{"heading":"Intro","brief":"b"},{"heading":"Findings","brief":"b"}]}`},
		"text_block": {`{"text":"Intro text"}`, `{"text":"Findings text"}`},
	}}
	h := newHarness(t, a, fakeSurveys{})
	h.docs.text["doc-1"] = "Existing memo"

	err := h.dispatch(t, RoutingKeyMemo,
		`{"task_id":9,"project_id":1,"kbid":"kb","key_number":2,"memo_id":44,"doc_id":"doc-1","insights":["a","b"],"token_limit":500}`)
	require.NoError(t, err)

	assert.Equal(t, []string{"Intro text", "Findings text"}, h.docs.appended["doc-1"])
	assert.Equal(t, []string{
		"Running", "progress 1", "progress 50", "progress 99", "artifact Memo", "Succeeded",
	}, h.cp.trace)

	require.Len(t, h.cp.artifacts, 1)
	art := h.cp.artifacts[0]
	assert.Equal(t, types.ActionEdit, art.Action)
	assert.Equal(t, 44, *art.CreatedResourceID)
	assert.Equal(t, 3*callCost, art.TotalTokens)

	assert.Equal(t, "Existing memo", a.calls[0].Context["existing_text"])
	require.NotNil(t, a.calls[0].UsageLimit)
	assert.Equal(t, 500, *a.calls[0].UsageLimit)
}

func TestMemoUsageLimitFailsTask(t *testing.T) {
	a := &scriptedAgent{errs: map[string]error{"memo": agent.ErrUsageLimitExceeded}}
	h := newHarness(t, a, fakeSurveys{})

	err := h.dispatch(t, RoutingKeyMemo,
		`{"task_id":9,"project_id":1,"kbid":"kb","key_number":2,"memo_id":44,"doc_id":"doc-1","token_limit":1}`)
	require.Error(t, err)
	assert.Equal(t, 1, a.count("memo"))
	assert.Equal(t, []string{"Running", "Failed"}, h.cp.trace)
}

func TestSlidesStampsSheetsOnCharts(t *testing.T) {
	a := &scriptedAgent{outputs: map[string][]string{
		"slide_outline": {`{"slides":[{"title":"Overview","brief":"b"}]}`},
		"slide":         {`{"title":"Overview","bullets":["x"],"charts":[{"title":"Q1","kind":"bar","question":"Q1"}]}`},
	}}
	h := newHarness(t, a, fakeSurveys{})
	h.docs.text["memo-doc"] = "The memo"

	err := h.dispatch(t, RoutingKeySlides,
		`{"task_id":3,"project_id":1,"kbid":"kb","key_number":2,"slidedeck_id":8,"doc_id":"memo-doc","sheets_id":"sheet-1","slides_id":"deck-1"}`)
	require.NoError(t, err)

	require.Len(t, h.docs.slides["deck-1"], 1)
	slide := h.docs.slides["deck-1"][0]
	assert.Equal(t, "Overview", slide.Title)
	require.Len(t, slide.Charts, 1)
	assert.Equal(t, "sheet-1", slide.Charts[0].SheetsID)

	require.Len(t, h.cp.artifacts, 1)
	assert.Equal(t, types.ResourceSlidedeck, h.cp.artifacts[0].ResourceType)
	assert.Equal(t, 8, *h.cp.artifacts[0].CreatedResourceID)
	assert.Equal(t, 2*callCost, h.cp.artifacts[0].TotalTokens)
}

func TestSurveyDataCarriesPayload(t *testing.T) {
	data := json.RawMessage(`{"questions":[{"id":"Q1"}]}`)
	h := newHarness(t, &scriptedAgent{}, fakeSurveys{data: data})

	err := h.dispatch(t, RoutingKeySurveyData, `{"task_id":2,"project_id":1,"kbid":"kb","key_number":2}`)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Running", "progress 1", "progress 99", "artifact SurveyData", "Succeeded",
	}, h.cp.trace)
	require.Len(t, h.cp.artifacts, 1)
	assert.Equal(t, types.ActionCreate, h.cp.artifacts[0].Action)
	assert.Zero(t, h.cp.artifacts[0].TotalTokens)
	assert.Nil(t, h.cp.artifacts[0].CreatedResourceID)
	assert.JSONEq(t, string(data), string(h.cp.artifacts[0].Payload))
}

func TestSurveyDataLoadErrorFailsTask(t *testing.T) {
	h := newHarness(t, &scriptedAgent{}, fakeSurveys{err: errors.New("reporting down")})

	err := h.dispatch(t, RoutingKeySurveyData, `{"task_id":2,"project_id":1,"kbid":"kb","key_number":2}`)
	require.Error(t, err)
	assert.Contains(t, *h.cp.updates[len(h.cp.updates)-1].ErrorMessage, "reporting down")
}

func TestFullReportRunsAllStages(t *testing.T) {
	a := &scriptedAgent{outputs: map[string][]string{
		"focus":         {`{"focuses":["pricing"]}`},
		"insight":       {`{"insight":"An insight"}`},
		"memo":          {`{"blocks":[{"heading":"Intro","brief":"b"}]}`},
		"text_block":    {`{"text":"Intro text"}`},
		"slide_outline": {`{"slides":[{"title":"Overview","brief":"b"}]}`},
		"slide":         {`{"title":"Overview"}`},
	}}
	h := newHarness(t, a, fakeSurveys{})

	err := h.dispatch(t, RoutingKeyFullReport,
		`{"task_id":11,"project_id":4,"kbid":"kb","key_number":2,"doc_id":"doc","sheets_id":"sheet","slides_id":"deck"}`)
	require.NoError(t, err)

	progress := []string{}
	for _, e := range h.cp.trace {
		if len(e) > 8 && e[:8] == "progress" {
			progress = append(progress, e)
		}
	}
	assert.Equal(t, []string{"progress 1", "progress 33", "progress 66", "progress 99"}, progress)

	kinds := []string{}
	for _, art := range h.cp.artifacts {
		kinds = append(kinds, art.ResourceType)
	}
	assert.Equal(t, []string{
		types.ResourceInsight, types.ResourceInsight, types.ResourceInsight,
		types.ResourceMemo, types.ResourceSlidedeck,
	}, kinds)

	insightCost := 0
	for _, art := range h.cp.artifacts[:3] {
		insightCost += art.TotalTokens
	}
	assert.Equal(t, 4*callCost, insightCost)
	assert.Equal(t, 2*callCost, h.cp.artifacts[3].TotalTokens)
	assert.Equal(t, 2*callCost, h.cp.artifacts[4].TotalTokens)

	assert.Equal(t, []string{"Intro text"}, h.docs.appended["doc"])
	assert.Len(t, h.docs.slides["deck"], 1)
	assert.Equal(t, "Succeeded", h.cp.trace[len(h.cp.trace)-1])
}

func TestSplitCost(t *testing.T) {
	assert.Equal(t, []int{4, 3, 3}, splitCost(10, 3))
	assert.Equal(t, []int{0, 0}, splitCost(0, 2))
	assert.Nil(t, splitCost(5, 0))
}
