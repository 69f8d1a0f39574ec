package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/config"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/providers"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", ServiceName: "test"})
}

func TestCoerceQueryPlanRoundTrip(t *testing.T) {
	plan := QueryPlan{
		IsMultihop:    true,
		ExecutionMode: ModeSequential,
		SubQueries: []PlannedSubQuery{
			{ID: "q1", Query: "find the retention period"},
			{ID: "q2", Query: "check the backup policy", DependencyID: "q1", IsDeep: true},
		},
	}
	assert.Equal(t, plan, CoerceQueryPlan(plan))
}

func TestCoerceQueryPlanRepairs(t *testing.T) {
	plan := CoerceQueryPlan(QueryPlan{
		ExecutionMode: " Parallel ",
		SubQueries: []PlannedSubQuery{
			{ID: "", Query: "  first question  "},
			{ID: "q1", Query: "second question", DependencyID: "missing"},
			{ID: "q1", Query: "third question", TargetRelations: []string{" ", ""}},
			{ID: "q9", Query: "   "},
		},
	})

	assert.Equal(t, ModeParallel, plan.ExecutionMode)
	require.Len(t, plan.SubQueries, 3)
	assert.Equal(t, "q1", plan.SubQueries[0].ID)
	assert.Equal(t, "first question", plan.SubQueries[0].Query)
	// Both explicit q1 ids collide with the positional id already taken and
	// are renumbered.
	assert.Equal(t, "q2", plan.SubQueries[1].ID)
	assert.Equal(t, "q3", plan.SubQueries[2].ID)
	assert.Empty(t, plan.SubQueries[1].DependencyID, "dangling dependency cleared")
	assert.Nil(t, plan.SubQueries[2].TargetRelations)
}

func TestCoerceQueryPlanUnknownModeDefaultsParallel(t *testing.T) {
	plan := CoerceQueryPlan(QueryPlan{ExecutionMode: "both"})
	assert.Equal(t, ModeParallel, plan.ExecutionMode)
}

func TestHeuristicPlanComparisonAcrossStandards(t *testing.T) {
	plan := heuristicPlan("Compare ISO 9001 and ISO 27001 incident handling")
	require.NotNil(t, plan)
	assert.Equal(t, ModeParallel, plan.ExecutionMode)
	require.Len(t, plan.SubQueries, 2)
	// Standards sort lexically, so 27001 leads.
	assert.Contains(t, plan.SubQueries[0].Query, "ISO 27001")
	assert.NotContains(t, plan.SubQueries[0].Query, "9001")
	assert.Contains(t, plan.SubQueries[1].Query, "ISO 9001")
}

func TestHeuristicPlanSequentialSplit(t *testing.T) {
	plan := heuristicPlan("Find the log retention period and then check the backup schedule against it")
	require.NotNil(t, plan)
	assert.Equal(t, ModeSequential, plan.ExecutionMode)
	require.Len(t, plan.SubQueries, 2)
	assert.Equal(t, "Find the log retention period", plan.SubQueries[0].Query)
	assert.Equal(t, "q1", plan.SubQueries[1].DependencyID)
}

func TestHeuristicPlanRelationQuestion(t *testing.T) {
	plan := heuristicPlan("How does the incident process relate to corrective action?")
	require.NotNil(t, plan)
	assert.True(t, plan.IsMultihop)
	require.Len(t, plan.SubQueries, 1)
	assert.True(t, plan.SubQueries[0].IsDeep)
}

func TestHeuristicPlanSimpleQuestionIsNil(t *testing.T) {
	assert.Nil(t, heuristicPlan("What are the password requirements?"))
	assert.Nil(t, heuristicPlan(""))
}

func TestDetectStandards(t *testing.T) {
	cases := []struct {
		text string
		want []string
	}{
		{"ISO 9001:2015 quality manual", []string{"ISO 9001"}},
		{"iso-27001 annex A", []string{"ISO 27001"}},
		{"ISO/IEC 27001 controls", []string{"ISO 27001"}},
		{"PCI-DSS 4 and NIST SP 800-53", []string{"NIST SP 800-53", "PCI DSS 4"}},
		{"GDPR versus HIPAA", []string{"GDPR", "HIPAA"}},
		{"ISO 9001 and iso 9001:2015 twice", []string{"ISO 9001"}},
		{"no designations here", nil},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, detectStandards(tc.text), tc.text)
	}
}

func TestDetectClauses(t *testing.T) {
	got := detectClauses("See clause 4.2 and section 9.2.1, also 7.5.3 applies; clause 4.2 again")
	assert.Equal(t, []string{"4.2", "9.2.1", "7.5.3"}, got)

	assert.Empty(t, detectClauses("no references at all"))
}

func TestDeriveScope(t *testing.T) {
	base := scopeContext{Standards: []string{"ISO 9001"}, ClauseHint: "4.1"}

	scope := deriveScope(base, "How does ISO 27001 clause 6.1 treat risk?")
	assert.Equal(t, []string{"ISO 27001"}, scope.Standards)
	assert.Equal(t, "6.1", scope.ClauseHint)

	// No standards in the text: the inherited set stays.
	scope = deriveScope(base, "What does clause 8.1 require?")
	assert.Equal(t, []string{"ISO 9001"}, scope.Standards)
	assert.Equal(t, "8.1", scope.ClauseHint)

	// Several clause references drop the hint instead of guessing.
	scope = deriveScope(base, "Summarize clause 4.1 and clause 9.2")
	assert.Empty(t, scope.ClauseHint)

	// A bare dotted number without a clause keyword is no hint.
	scope = deriveScope(base, "password rules in 9.4.2")
	assert.Empty(t, scope.ClauseHint)
}

func TestPlannerPrefersModelPlan(t *testing.T) {
	chat := &providers.MockChat{Responses: []string{
		`{"is_multihop": false, "execution_mode": "parallel", "sub_queries": [
			{"id": "q1", "query": "encryption in ISO 27001"},
			{"id": "q2", "query": "encryption in PCI DSS 4"}
		]}`,
	}}
	p := NewPlanner(testLogger(), chat, config.RetrievalConfig{})

	plan := p.Plan(context.Background(), "Compare encryption controls")
	require.NotNil(t, plan)
	assert.Len(t, plan.SubQueries, 2)
	assert.Empty(t, plan.FallbackReason)
	assert.Equal(t, 1, chat.Calls)
}

func TestPlannerSinglePathModelPlanIsNil(t *testing.T) {
	chat := &providers.MockChat{Responses: []string{
		`{"is_multihop": false, "execution_mode": "parallel", "sub_queries": [
			{"id": "q1", "query": "what is the password policy"}
		]}`,
	}}
	p := NewPlanner(testLogger(), chat, config.RetrievalConfig{})
	assert.Nil(t, p.Plan(context.Background(), "what is the password policy"))
}

func TestPlannerFallsBackToHeuristics(t *testing.T) {
	chat := &providers.MockChat{Err: errors.New("model unavailable")}
	p := NewPlanner(testLogger(), chat, config.RetrievalConfig{})

	plan := p.Plan(context.Background(), "Compare ISO 9001 and ISO 27001 incident handling")
	require.NotNil(t, plan)
	assert.Len(t, plan.SubQueries, 2)
	assert.Contains(t, plan.FallbackReason, "planner model failed")
}

func TestPlannerWithoutChatUsesHeuristics(t *testing.T) {
	p := NewPlanner(testLogger(), nil, config.RetrievalConfig{})
	assert.Nil(t, p.Plan(context.Background(), "simple lookup question"))

	plan := p.Plan(context.Background(), "Find the retention period and then verify the archive policy")
	require.NotNil(t, plan)
	assert.Equal(t, ModeSequential, plan.ExecutionMode)
}
