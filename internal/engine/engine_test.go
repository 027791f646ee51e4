package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/cellgrid/internal/artifact"
	"github.com/vk/cellgrid/internal/cell"
)

func noopCell(id string, produces, consumes []string) *cell.Cell {
	return &cell.Cell{
		ID: id, Produces: produces, Consumes: consumes,
		Run: func(context.Context, map[string]cty.Value, *cell.ExecutionContext) (*cell.Result, error) {
			return &cell.Result{}, nil
		},
	}
}

func TestSetValueChangeDetection(t *testing.T) {
	e := New()
	assert.True(t, e.SetValue("x", cty.NumberIntVal(1)), "first commit is a change")
	assert.False(t, e.SetValue("x", cty.NumberIntVal(1)), "identical value is not a change")
	assert.True(t, e.SetValue("x", cty.NumberIntVal(2)))

	v, ok := e.Value("x")
	require.True(t, ok)
	assert.True(t, cty.NumberIntVal(2).RawEquals(v))
}

func TestValuesSnapshot(t *testing.T) {
	e := New()
	e.SetValue("x", cty.NumberIntVal(1))

	vals := e.Values([]string{"x", "missing"})
	assert.Len(t, vals, 1)
	_, ok := vals["missing"]
	assert.False(t, ok, "uncommitted names are omitted")
}

func TestSetCellsRejectsInvalidBatchUntouched(t *testing.T) {
	e := New()
	require.NoError(t, e.SetCells(context.Background(), []*cell.Cell{
		noopCell("a", []string{"x"}, nil),
	}))
	old := e.Graph()

	err := e.SetCells(context.Background(), []*cell.Cell{
		noopCell("b", []string{"x"}, nil),
		noopCell("c", []string{"x"}, nil),
	})
	require.Error(t, err)
	assert.Same(t, old, e.Graph(), "a failed swap must keep the current graph")
}

func TestSetCellsDestroysOrphanedArtifacts(t *testing.T) {
	e := New()
	require.NoError(t, e.SetCells(context.Background(), []*cell.Cell{
		noopCell("a", []string{"x"}, nil),
		noopCell("b", []string{"y"}, nil),
	}))

	h := artifact.New("a", "payload")
	e.SwapArtifact("a", h)

	fired := false
	h.Invalidation().OnFire(func() { fired = true })

	// b survives the redefinition, a does not.
	require.NoError(t, e.SetCells(context.Background(), []*cell.Cell{
		noopCell("b", []string{"y"}, nil),
	}))

	assert.True(t, fired, "removing the owning cell destroys its artifact")
	assert.False(t, h.ReuseEligible())
	_, ok := e.Artifact("a")
	assert.False(t, ok)
}

func TestReusableArtifactEligibility(t *testing.T) {
	e := New()
	h := artifact.New("a", nil)
	e.SwapArtifact("a", h)

	assert.Same(t, h, e.ReusableArtifact("a"))

	h.Retire()
	assert.Nil(t, e.ReusableArtifact("a"))
	assert.Nil(t, e.ReusableArtifact("never-existed"))
}

func TestNextGenerationMonotonic(t *testing.T) {
	e := New()
	assert.Equal(t, uint64(1), e.NextGeneration("a"))
	assert.Equal(t, uint64(2), e.NextGeneration("a"))
	assert.Equal(t, uint64(1), e.NextGeneration("b"), "counters are per cell")
}

func TestBeginRunSupersedes(t *testing.T) {
	e := New()
	ctx1, release1 := e.BeginRun(context.Background())

	done := make(chan struct{})
	go func() {
		// The second run cancels the first and waits for its release.
		ctx2, release2 := e.BeginRun(context.Background())
		assert.NoError(t, ctx2.Err())
		release2()
		close(done)
	}()

	<-ctx1.Done()
	release1()
	<-done
}

func TestCloseFiresAllSignalsOnce(t *testing.T) {
	e := New()
	h := artifact.New("a", nil)
	e.SwapArtifact("a", h)

	fired := 0
	h.Invalidation().OnFire(func() { fired++ })

	e.Close()
	e.Close()
	assert.Equal(t, 1, fired)
}
