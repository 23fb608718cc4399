package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annotd/pkg/annotation"
	"annotd/pkg/shape"
)

func committedAnn(id string, r shape.Rect) annotation.Annotation {
	a := annotation.NewDraft(annotation.RectTarget("page.png", r))
	return a.WithID(id).ToAnnotation()
}

// ============================================================================
// planCommit
// ============================================================================

func TestPlanCommitNoSelection(t *testing.T) {
	plan := planCommit(false, State{}, nil)
	assert.Equal(t, commitNone, plan.kind)

	plan = planCommit(true, State{}, nil)
	assert.Equal(t, commitNone, plan.kind)
}

func TestPlanCommitDraftCreates(t *testing.T) {
	draft := annotation.NewDraft(annotation.RectTarget("page.png", shape.NewRect(0, 0, 10, 10)))
	plan := planCommit(false, State{Selected: &draft}, nil)

	require.Equal(t, commitCreate, plan.kind)
	assert.False(t, plan.result.IsDraft())
	assert.NotEmpty(t, plan.result.ID)
}

func TestPlanCommitDraftMergesPendingTarget(t *testing.T) {
	draft := annotation.NewDraft(annotation.RectTarget("page.png", shape.NewRect(0, 0, 10, 10)))
	moved := annotation.RectTarget("page.png", shape.NewRect(5, 5, 10, 10))
	plan := planCommit(false, State{Selected: &draft, ModifiedTarget: &moved}, nil)

	require.Equal(t, commitCreate, plan.kind)
	assert.Equal(t, moved.Selector.Value, plan.result.Target.Selector.Value)
}

func TestPlanCommitUpdatePreviousIsSelection(t *testing.T) {
	a := committedAnn("a-1", shape.NewRect(0, 0, 10, 10))
	moved := annotation.RectTarget("page.png", shape.NewRect(5, 5, 10, 10))
	plan := planCommit(false, State{Selected: &a, ModifiedTarget: &moved}, nil)

	require.Equal(t, commitUpdate, plan.kind)
	assert.True(t, plan.previous.Equal(a))
	assert.Equal(t, moved.Selector.Value, plan.result.Target.Selector.Value)
	assert.Equal(t, "a-1", plan.result.ID)
}

func TestPlanCommitBaselineWinsAsPrevious(t *testing.T) {
	original := committedAnn("a-1", shape.NewRect(0, 0, 10, 10))
	edited := original.WithBodies(annotation.Body{Type: "TextualBody", Value: "second"})
	plan := planCommit(true, State{Selected: &edited, Baseline: &original}, nil)

	require.Equal(t, commitUpdate, plan.kind)
	assert.True(t, plan.previous.Equal(original))
	assert.True(t, plan.result.Equal(edited))
}

func TestPlanCommitSuppliedWinsOverPendingTarget(t *testing.T) {
	a := committedAnn("a-1", shape.NewRect(0, 0, 10, 10))
	moved := annotation.RectTarget("page.png", shape.NewRect(5, 5, 10, 10))
	supplied := a.WithBodies(annotation.Body{Type: "TextualBody", Value: "note"})
	plan := planCommit(false, State{Selected: &a, ModifiedTarget: &moved}, &supplied)

	require.Equal(t, commitUpdate, plan.kind)
	assert.True(t, plan.result.Equal(supplied))
	assert.NotEqual(t, moved.Selector.Value, plan.result.Target.Selector.Value)
}

func TestPlanCommitHeadlessDegradesToCancel(t *testing.T) {
	a := committedAnn("a-1", shape.NewRect(0, 0, 10, 10))

	plan := planCommit(true, State{Selected: &a}, nil)
	assert.Equal(t, commitCancel, plan.kind)

	// Any pending change keeps it an update.
	moved := annotation.RectTarget("page.png", shape.NewRect(5, 5, 10, 10))
	plan = planCommit(true, State{Selected: &a, ModifiedTarget: &moved}, nil)
	assert.Equal(t, commitUpdate, plan.kind)

	baseline := a.Clone()
	plan = planCommit(true, State{Selected: &a, Baseline: &baseline}, nil)
	assert.Equal(t, commitUpdate, plan.kind)
}

func TestPlanCommitNonHeadlessNeverDegrades(t *testing.T) {
	a := committedAnn("a-1", shape.NewRect(0, 0, 10, 10))
	plan := planCommit(false, State{Selected: &a}, nil)

	require.Equal(t, commitUpdate, plan.kind)
	assert.True(t, plan.result.Equal(a))
	assert.True(t, plan.previous.Equal(a))
}
