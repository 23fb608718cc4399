package editor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annotd/pkg/annotation"
	"annotd/pkg/shape"
)

func TestReadOnlyFor(t *testing.T) {
	rw := annotation.Annotation{ID: "a", Kind: annotation.KindAnnotation}
	ro := rw.WithReadOnly(true)

	assert.False(t, ReadOnlyFor(false, rw))
	assert.True(t, ReadOnlyFor(false, ro))
	assert.True(t, ReadOnlyFor(true, rw))
	assert.True(t, ReadOnlyFor(true, ro))
}

func TestRecorderLifecycle(t *testing.T) {
	r := NewRecorder()
	assert.False(t, r.IsOpen())

	a := annotation.Annotation{
		ID:     "a",
		Kind:   annotation.KindAnnotation,
		Target: annotation.RectTarget("img.png", shape.NewRect(0, 0, 10, 10)),
	}

	r.Open(Props{Annotation: a})
	assert.True(t, r.IsOpen())

	tgt := annotation.RectTarget("img.png", shape.NewRect(5, 5, 10, 10))
	r.Update(Props{Annotation: a, ModifiedTarget: &tgt})

	cur, ok := r.Current()
	require.True(t, ok)
	require.NotNil(t, cur.ModifiedTarget)
	assert.Equal(t, tgt, *cur.ModifiedTarget)

	r.Close()
	assert.False(t, r.IsOpen())
	_, ok = r.Current()
	assert.False(t, ok)

	assert.Len(t, r.Opens(), 1)
	assert.Len(t, r.Updates(), 1)
	assert.Equal(t, 1, r.Closes())
}

func TestRecorderClonesProps(t *testing.T) {
	r := NewRecorder()

	a := annotation.Annotation{
		ID:     "a",
		Kind:   annotation.KindAnnotation,
		Bodies: []annotation.Body{{Value: "original"}},
		Target: annotation.RectTarget("img.png", shape.NewRect(0, 0, 10, 10)),
	}
	p := Props{Annotation: a}
	r.Open(p)

	// Mutating the caller's copy afterwards must not leak into the record.
	p.Annotation.Bodies[0].Value = "tampered"

	cur, _ := r.Current()
	assert.Equal(t, "original", cur.Annotation.Bodies[0].Value)
}
