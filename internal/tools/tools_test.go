package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-cds/internal/domain/conversation"
	"github.com/drfirst/go-cds/internal/llm"
)

func TestEstimateRisk(t *testing.T) {
	tests := []struct {
		name     string
		args     RiskArgs
		percent  float64
		category string
	}{
		{"young normotensive", RiskArgs{Age: 30, SystolicBP: 110}, 1.0, RiskLow},
		{"smoker", RiskArgs{Age: 55, SystolicBP: 140, Smoker: true}, 9.0, RiskElevated},
		{"smoker and diabetic", RiskArgs{Age: 65, SystolicBP: 160, Smoker: true, Diabetic: true}, 27.0, RiskHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			est := EstimateRisk(tt.args)
			assert.InDelta(t, tt.percent, est.Percent, 1e-9)
			assert.Equal(t, tt.category, est.Category)
		})
	}

	assert.LessOrEqual(t, EstimateRisk(RiskArgs{Age: 130, SystolicBP: 300, Smoker: true, Diabetic: true}).Percent, 100.0)
}

func TestRiskTool_Text(t *testing.T) {
	res, err := NewRiskTool().Invoke(context.Background(),
		json.RawMessage(`{"age":55,"systolic_bp":140,"smoker":true,"diabetic":false}`))
	require.NoError(t, err)
	assert.Equal(t, "10-Year ASCVD Risk Estimate: 9.0% (Elevated Risk (Consider Statin))", res.Text)
	var est RiskEstimate
	require.NoError(t, json.Unmarshal(res.Raw, &est))
	assert.InDelta(t, 9.0, est.Percent, 1e-9)
	assert.Equal(t, RiskElevated, est.Category)
}

func TestDecodeArgs_RejectsBadInput(t *testing.T) {
	_, err := DecodeArgs[RiskArgs](json.RawMessage(`{"age":55,"systolic_bp":20}`))
	assert.ErrorIs(t, err, ErrInvalidArguments)
	assert.Contains(t, err.Error(), "SystolicBP")

	_, err = DecodeArgs[RiskArgs](json.RawMessage(`{"age":55,"systolic_bp":140,"cholesterol":200}`))
	assert.ErrorIs(t, err, ErrInvalidArguments)

	_, err = DecodeArgs[PatientRecordArgs](nil)
	assert.ErrorIs(t, err, ErrInvalidArguments)
}

func TestRegistrySpecs(t *testing.T) {
	reg := NewRegistry(NewRiskTool(), NewSummarizeTool(llm.NewScripted()))
	specs := reg.Specs()
	require.Len(t, specs, 2)
	assert.Equal(t, RiskToolName, specs[0].Name)

	schema, err := json.Marshal(specs[0].Parameters)
	require.NoError(t, err)
	assert.Contains(t, string(schema), `"systolic_bp"`)
	assert.Contains(t, string(schema), `"required"`)
}

type fakeChecker struct {
	ids          map[string]string
	interactions []string
	err          error
	checked      []string
}

func (f *fakeChecker) ResolveRxCUI(_ context.Context, name string) (string, error) {
	return f.ids[strings.ToLower(name)], nil
}

func (f *fakeChecker) HighSeverityInteractions(_ context.Context, rxcuis []string) ([]string, error) {
	f.checked = rxcuis
	return f.interactions, f.err
}

func TestInteractionsTool(t *testing.T) {
	ctx := context.Background()
	checker := &fakeChecker{ids: map[string]string{"warfarin": "11289", "aspirin": "1191"}}
	tool := NewInteractionsTool(checker, nil)

	res, err := tool.Invoke(ctx, json.RawMessage(`{"medications":["Warfarin"]}`))
	require.NoError(t, err)
	assert.Equal(t, "No interaction check needed (less than 2 drugs).", res.Text)

	res, err = tool.Invoke(ctx, json.RawMessage(`{"medications":["Warfarin","Unobtainium"]}`))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Text, "Could not identify enough medications in RxNorm"))

	res, err = tool.Invoke(ctx, json.RawMessage(`{"medications":["Warfarin","Aspirin"]}`))
	require.NoError(t, err)
	assert.Equal(t, "No high-severity drug interactions found.", res.Text)
	assert.Equal(t, []string{"11289", "1191"}, checker.checked)

	checker.interactions = []string{"Bleeding risk increased."}
	res, err = tool.Invoke(ctx, json.RawMessage(`{"medications":["Warfarin","Aspirin"]}`))
	require.NoError(t, err)
	assert.Equal(t, "HIGH SEVERITY: Bleeding risk increased.", res.Text)
}

func TestRxNav_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/REST/rxcui.json":
			switch r.URL.Query().Get("name") {
			case "Warfarin":
				w.Write([]byte(`{"idGroup":{"rxnormId":["11289"]}}`))
			default:
				w.Write([]byte(`{"idGroup":{}}`))
			}
		case "/REST/interaction/list.json":
			assert.Equal(t, "rxcuis=11289+1191", r.URL.RawQuery)
			w.Write([]byte(`{"fullInteractionTypeGroup":[{"fullInteractionType":[{"interactionPair":[
				{"severity":"high","description":"Increased bleeding."},
				{"severity":"N/A","description":"Minor."}]}]}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	rx := NewRxNav(RxNavConfig{BaseURL: srv.URL + "/REST", RequestsPerSec: 1000}, nil, nil)
	ctx := context.Background()

	id, err := rx.ResolveRxCUI(ctx, "Warfarin")
	require.NoError(t, err)
	assert.Equal(t, "11289", id)

	id, err = rx.ResolveRxCUI(ctx, "Nothing")
	require.NoError(t, err)
	assert.Empty(t, id)

	found, err := rx.HighSeverityInteractions(ctx, []string{"11289", "1191"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Increased bleeding."}, found)
}

func TestSummarizeTool(t *testing.T) {
	client := llm.NewScripted().Then(&llm.Response{Content: "- HTN\n- T2DM\n- CABG 2019"}, nil)
	tool := NewSummarizeTool(client)

	res, err := tool.Invoke(context.Background(), json.RawMessage(`{"clinical_notes":[]}`))
	require.NoError(t, err)
	assert.Equal(t, "No notes available to summarize.", res.Text)

	notes := `{"clinical_notes":["n1","n2","n3","n4","n5","n6"]}`
	res, err = tool.Invoke(context.Background(), json.RawMessage(notes))
	require.NoError(t, err)
	assert.Contains(t, res.Text, "CABG")

	reqs := client.Requests()
	require.Len(t, reqs, 1)
	prompt := reqs[0].Messages[0].Content
	assert.Contains(t, prompt, "n5")
	assert.NotContains(t, prompt, "n6")
}

type slowTool struct{}

func (slowTool) Name() string           { return "slow" }
func (slowTool) Description() string    { return "blocks until canceled" }
func (slowTool) Schema() json.Marshaler { return json.RawMessage(`{"type":"object"}`) }
func (slowTool) Invoke(ctx context.Context, _ json.RawMessage) (Result, error) {
	<-ctx.Done()
	return Result{}, ctx.Err()
}

type failingTool struct{ slowTool }

func (failingTool) Name() string { return "failing" }
func (failingTool) Invoke(context.Context, json.RawMessage) (Result, error) {
	return Result{}, errors.New("record store unreachable")
}

func TestDispatcher_ErrorsBecomeToolText(t *testing.T) {
	var observed []string
	d := NewDispatcher(NewRegistry(NewRiskTool(), slowTool{}, failingTool{}), 20*time.Millisecond,
		func(tool string, failed bool) {
			if failed {
				observed = append(observed, tool)
			}
		}, nil)

	calls := []conversation.ToolCall{
		{ID: "c1", Name: RiskToolName, Arguments: json.RawMessage(`{"age":30,"systolic_bp":110,"smoker":false,"diabetic":false}`)},
		{ID: "c2", Name: "nope"},
		{ID: "c3", Name: RiskToolName, Arguments: json.RawMessage(`{"age":"old"}`)},
		{ID: "c4", Name: "slow"},
		{ID: "c5", Name: "failing"},
	}
	turns := d.Dispatch(context.Background(), calls)
	require.Len(t, turns, len(calls))

	for i, turn := range turns {
		assert.Equal(t, conversation.RoleTool, turn.Role)
		assert.Equal(t, calls[i].ID, turn.ToolCallID)
		assert.Equal(t, calls[i].Name, turn.ToolName)
	}
	assert.Equal(t, "10-Year ASCVD Risk Estimate: 1.0% (Low Risk)", turns[0].Content)
	assert.Contains(t, turns[1].Content, "Error: unknown tool")
	assert.Contains(t, turns[2].Content, "Error: invalid tool arguments")
	assert.Contains(t, turns[3].Content, "timed out")
	assert.Equal(t, "Error: record store unreachable", turns[4].Content)
	assert.Equal(t, []string{"nope", RiskToolName, "slow", "failing"}, observed)
}
