package conflict

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(kind string, local, remote string) Record {
	return Record{
		ActionID:   "act_01",
		Entity:     "guest:42",
		Kind:       kind,
		Local:      json.RawMessage(local),
		Remote:     json.RawMessage(remote),
		DetectedAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestLastWriteWinsUsesLocalValue(t *testing.T) {
	r := NewResolver(Config{Default: LastWriteWins})

	res, err := r.Resolve(context.Background(), testRecord("guest",
		`{"rsvp":"yes","updated_at":"2025-03-01T09:00:00Z"}`,
		`{"rsvp":"no","updated_at":"2025-03-01T09:59:00Z"}`))
	require.NoError(t, err)

	assert.Equal(t, UseLocal, res.Outcome)
	assert.Equal(t, LastWriteWins, res.Applied)
	// The newer remote timestamp does not matter: local always wins.
	assert.JSONEq(t, `{"rsvp":"yes","updated_at":"2025-03-01T09:00:00Z"}`, string(res.Value))
}

func TestServerWinsUsesRemoteValue(t *testing.T) {
	r := NewResolver(Config{Default: ServerWins})

	res, err := r.Resolve(context.Background(), testRecord("payment",
		`{"status":"pending"}`,
		`{"status":"completed"}`))
	require.NoError(t, err)

	assert.Equal(t, UseRemote, res.Outcome)
	assert.Equal(t, ServerWins, res.Applied)
	assert.JSONEq(t, `{"status":"completed"}`, string(res.Value))
}

func TestMergeCombinesNonOverlappingFields(t *testing.T) {
	r := NewResolver(Config{
		Default: Merge,
		Merges:  map[string]MergeFunc{"guest": FieldMerge},
	})

	res, err := r.Resolve(context.Background(), testRecord("guest", `{"a":1}`, `{"b":2}`))
	require.NoError(t, err)

	assert.Equal(t, UseMerged, res.Outcome)
	assert.Equal(t, Merge, res.Applied)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(res.Value))
}

func TestMergeKeepsFieldsThatMatchOnBothSides(t *testing.T) {
	r := NewResolver(Config{
		Default: Merge,
		Merges:  map[string]MergeFunc{"guest": FieldMerge},
	})

	res, err := r.Resolve(context.Background(), testRecord("guest",
		`{"name":"Ada","table":7}`,
		`{"name":"Ada","diet":"vegan"}`))
	require.NoError(t, err)

	assert.Equal(t, UseMerged, res.Outcome)
	assert.JSONEq(t, `{"name":"Ada","table":7,"diet":"vegan"}`, string(res.Value))
}

func TestMergeDefersWhenBothSidesChangedSameField(t *testing.T) {
	r := NewResolver(Config{
		Default: Merge,
		Merges:  map[string]MergeFunc{"guest": FieldMerge},
	})

	res, err := r.Resolve(context.Background(), testRecord("guest",
		`{"rsvp":"yes"}`,
		`{"rsvp":"no"}`))
	require.NoError(t, err)

	assert.Equal(t, Deferred, res.Outcome)
	assert.Equal(t, UserChoice, res.Applied)
	assert.Nil(t, res.Value)
}

func TestMergeReconcilesNFCEquivalentStrings(t *testing.T) {
	r := NewResolver(Config{
		Default: Merge,
		Merges:  map[string]MergeFunc{"guest": FieldMerge},
	})

	// Composed U+00E9 on one side, e + combining acute on the other.
	res, err := r.Resolve(context.Background(), testRecord("guest",
		`{"name":"café","table":7}`,
		`{"name":"café"}`))
	require.NoError(t, err)

	assert.Equal(t, UseMerged, res.Outcome)

	var merged map[string]any
	require.NoError(t, json.Unmarshal(res.Value, &merged))
	assert.Len(t, merged, 2)
	assert.EqualValues(t, 7, merged["table"])
}

func TestMergeDefersWhenNoFunctionRegistered(t *testing.T) {
	r := NewResolver(Config{Default: Merge})

	res, err := r.Resolve(context.Background(), testRecord("vendor", `{"a":1}`, `{"b":2}`))
	require.NoError(t, err)

	assert.Equal(t, Deferred, res.Outcome)
	assert.Equal(t, UserChoice, res.Applied)
}

func TestMergeDefersOnNonObjectValue(t *testing.T) {
	r := NewResolver(Config{
		Default: Merge,
		Merges:  map[string]MergeFunc{"guest": FieldMerge},
	})

	res, err := r.Resolve(context.Background(), testRecord("guest", `[1,2,3]`, `{"b":2}`))
	require.NoError(t, err)

	assert.Equal(t, Deferred, res.Outcome)
}

func TestUserChoiceAlwaysDefers(t *testing.T) {
	r := NewResolver(Config{Default: UserChoice})

	res, err := r.Resolve(context.Background(), testRecord("guest", `{"a":1}`, `{"b":2}`))
	require.NoError(t, err)

	assert.Equal(t, Deferred, res.Outcome)
	assert.Equal(t, UserChoice, res.Applied)
	assert.Nil(t, res.Value)
}

func TestResolveWithForcesLastWriteWinsForDecisions(t *testing.T) {
	// After a user picks a value, the replay must not conflict again: the
	// chosen value becomes the local side under forced last-write-wins.
	r := NewResolver(Config{Default: UserChoice})

	rec := testRecord("guest", `{"rsvp":"maybe"}`, `{"rsvp":"no"}`)
	res, err := r.ResolveWith(context.Background(), rec, LastWriteWins)
	require.NoError(t, err)

	assert.Equal(t, UseLocal, res.Outcome)
	assert.Equal(t, LastWriteWins, res.Applied)
	assert.JSONEq(t, `{"rsvp":"maybe"}`, string(res.Value))
}

func TestStrategyForPrefersKindOverride(t *testing.T) {
	r := NewResolver(Config{
		Default: LastWriteWins,
		Strategies: map[string]Strategy{
			"payment": ServerWins,
			"guest":   Merge,
		},
	})

	assert.Equal(t, ServerWins, r.StrategyFor("payment"))
	assert.Equal(t, Merge, r.StrategyFor("guest"))
	assert.Equal(t, LastWriteWins, r.StrategyFor("vendor"))
}

func TestZeroConfigDefaultsToLastWriteWins(t *testing.T) {
	r := NewResolver(Config{})

	res, err := r.Resolve(context.Background(), testRecord("guest", `{"a":1}`, `{"b":2}`))
	require.NoError(t, err)
	assert.Equal(t, UseLocal, res.Outcome)
}

func TestInvalidStrategyIsAnError(t *testing.T) {
	r := NewResolver(Config{})

	_, err := r.ResolveWith(context.Background(), testRecord("guest", `{}`, `{}`), Strategy(99))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid conflict strategy")
}

func TestParseStrategy(t *testing.T) {
	cases := map[string]Strategy{
		"last-write-wins": LastWriteWins,
		"lww":             LastWriteWins,
		"server-wins":     ServerWins,
		"merge":           Merge,
		"user-choice":     UserChoice,
	}
	for in, want := range cases {
		got, err := ParseStrategy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseStrategy("theirs")
	assert.Error(t, err)
}

func TestStrategyAndOutcomeStrings(t *testing.T) {
	assert.Equal(t, "last-write-wins", LastWriteWins.String())
	assert.Equal(t, "server-wins", ServerWins.String())
	assert.Equal(t, "merge", Merge.String())
	assert.Equal(t, "user-choice", UserChoice.String())
	assert.Equal(t, "use-local", UseLocal.String())
	assert.Equal(t, "use-remote", UseRemote.String())
	assert.Equal(t, "use-merged", UseMerged.String())
	assert.Equal(t, "deferred", Deferred.String())
}
