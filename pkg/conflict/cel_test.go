package conflict

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCELMergeCombinesSides(t *testing.T) {
	fn, err := NewCELMerge(`{"name": local.name, "rsvp": remote.rsvp}`)
	require.NoError(t, err)

	merged, err := fn(
		fields(map[string]string{"name": `"Ada"`, "rsvp": `"no"`}),
		fields(map[string]string{"name": `"Ada"`, "rsvp": `"yes"`}),
	)
	require.NoError(t, err)

	assert.Len(t, merged, 2)
	assert.JSONEq(t, `"Ada"`, string(merged["name"]))
	assert.JSONEq(t, `"yes"`, string(merged["rsvp"]))
}

func TestNewCELMergeConditionalRule(t *testing.T) {
	fn, err := NewCELMerge(`has(local.notes) ? {"notes": local.notes, "status": remote.status} : remote`)
	require.NoError(t, err)

	withNotes, err := fn(
		fields(map[string]string{"notes": `"allergic to nuts"`}),
		fields(map[string]string{"status": `"confirmed"`, "notes": `""`}),
	)
	require.NoError(t, err)
	assert.JSONEq(t, `"allergic to nuts"`, string(withNotes["notes"]))
	assert.JSONEq(t, `"confirmed"`, string(withNotes["status"]))

	withoutNotes, err := fn(
		fields(map[string]string{}),
		fields(map[string]string{"status": `"confirmed"`}),
	)
	require.NoError(t, err)
	assert.Len(t, withoutNotes, 1)
	assert.JSONEq(t, `"confirmed"`, string(withoutNotes["status"]))
}

func TestNewCELMergeNullDeclines(t *testing.T) {
	fn, err := NewCELMerge(`null`)
	require.NoError(t, err)

	_, err = fn(fields(map[string]string{"a": `1`}), fields(map[string]string{"b": `2`}))
	assert.ErrorIs(t, err, ErrCannotReconcile)
}

func TestNewCELMergeRuntimeErrorDefers(t *testing.T) {
	fn, err := NewCELMerge(`{"x": local.missing}`)
	require.NoError(t, err)

	_, err = fn(fields(map[string]string{}), fields(map[string]string{}))
	assert.ErrorIs(t, err, ErrCannotReconcile)
}

func TestNewCELMergeNonObjectResultDefers(t *testing.T) {
	fn, err := NewCELMerge(`"not a map"`)
	require.NoError(t, err)

	_, err = fn(fields(map[string]string{}), fields(map[string]string{}))
	assert.ErrorIs(t, err, ErrCannotReconcile)
}

func TestNewCELMergeRejectsBadExpression(t *testing.T) {
	_, err := NewCELMerge(`local ++ remote`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile merge rule")
}

func TestResolverUsesCELMerge(t *testing.T) {
	fn, err := NewCELMerge(`{"rsvp": local.rsvp, "table": remote.table}`)
	require.NoError(t, err)

	r := NewResolver(Config{
		Default: Merge,
		Merges:  map[string]MergeFunc{"guest": fn},
	})

	res, err := r.Resolve(context.Background(), testRecord("guest",
		`{"rsvp":"yes","table":1}`,
		`{"rsvp":"no","table":9}`))
	require.NoError(t, err)

	assert.Equal(t, UseMerged, res.Outcome)
	assert.JSONEq(t, `{"rsvp":"yes","table":9}`, string(res.Value))
}
