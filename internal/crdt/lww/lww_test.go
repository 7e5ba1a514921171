package lww

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustOp(t *testing.T, op Op) []byte {
	t.Helper()
	data, err := json.Marshal(op)
	require.NoError(t, err)
	return data
}

func TestSetFieldLastWriteWins(t *testing.T) {
	e := New()
	state := e.New()

	state, err := e.Apply(state, mustOp(t, Op{Kind: "set", Actor: "alice", Seq: 1, Field: "title", Value: json.RawMessage(`"first"`)}))
	require.NoError(t, err)
	state, err = e.Apply(state, mustOp(t, Op{Kind: "set", Actor: "bob", Seq: 2, Field: "title", Value: json.RawMessage(`"second"`)}))
	require.NoError(t, err)

	out, err := e.Render(state)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	require.Equal(t, "second", doc["title"])
}

func TestSetFieldConflictTiebreakDeterministic(t *testing.T) {
	e := New()
	base := e.New()

	branchA, err := e.Apply(base, mustOp(t, Op{Kind: "set", Actor: "alice", Seq: 1, Field: "title", Value: json.RawMessage(`"from alice"`)}))
	require.NoError(t, err)
	branchB, err := e.Apply(base, mustOp(t, Op{Kind: "set", Actor: "bob", Seq: 1, Field: "title", Value: json.RawMessage(`"from bob"`)}))
	require.NoError(t, err)

	renderA, err := e.Render(branchA)
	require.NoError(t, err)
	renderB, err := e.Render(branchB)
	require.NoError(t, err)

	// Applying both ops in either order over the same base must converge
	// on the same winner since Seq ties break on Actor.
	merged1, err := e.Apply(branchA, mustOp(t, Op{Kind: "set", Actor: "bob", Seq: 1, Field: "title", Value: json.RawMessage(`"from bob"`)}))
	require.NoError(t, err)
	merged2, err := e.Apply(branchB, mustOp(t, Op{Kind: "set", Actor: "alice", Seq: 1, Field: "title", Value: json.RawMessage(`"from alice"`)}))
	require.NoError(t, err)

	outMerged1, err := e.Render(merged1)
	require.NoError(t, err)
	outMerged2, err := e.Render(merged2)
	require.NoError(t, err)
	require.Equal(t, outMerged1, outMerged2)
	require.NotEqual(t, renderA, renderB)
}

func TestConcurrentCommentAddsDeterministicOrder(t *testing.T) {
	e := New()
	base := e.New()

	withC1, err := e.Apply(base, mustOp(t, Op{Kind: "add", Actor: "alice", Seq: 1, Set: "comments", Elem: "c1", Value: json.RawMessage(`"hello"`)}))
	require.NoError(t, err)
	withC2, err := e.Apply(base, mustOp(t, Op{Kind: "add", Actor: "bob", Seq: 1, Set: "comments", Elem: "c2", Value: json.RawMessage(`"world"`)}))
	require.NoError(t, err)

	merged1, err := e.Apply(withC1, mustOp(t, Op{Kind: "add", Actor: "bob", Seq: 1, Set: "comments", Elem: "c2", Value: json.RawMessage(`"world"`)}))
	require.NoError(t, err)
	merged2, err := e.Apply(withC2, mustOp(t, Op{Kind: "add", Actor: "alice", Seq: 1, Set: "comments", Elem: "c1", Value: json.RawMessage(`"hello"`)}))
	require.NoError(t, err)

	out1, err := e.Render(merged1)
	require.NoError(t, err)
	out2, err := e.Render(merged2)
	require.NoError(t, err)
	require.Equal(t, out1, out2)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(out1, &doc))
	comments, ok := doc["comments"].([]any)
	require.True(t, ok)
	require.Equal(t, []any{"hello", "world"}, comments)
}

func TestRemoveTombstonesElement(t *testing.T) {
	e := New()
	state := e.New()
	state, err := e.Apply(state, mustOp(t, Op{Kind: "add", Actor: "alice", Seq: 1, Set: "comments", Elem: "c1", Value: json.RawMessage(`"hello"`)}))
	require.NoError(t, err)
	state, err = e.Apply(state, mustOp(t, Op{Kind: "remove", Actor: "alice", Seq: 2, Set: "comments", Elem: "c1"}))
	require.NoError(t, err)

	out, err := e.Render(state)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	require.Equal(t, []any{}, doc["comments"])
}

func TestSerializeRoundTrip(t *testing.T) {
	e := New()
	state, err := e.Apply(e.New(), mustOp(t, Op{Kind: "set", Actor: "alice", Seq: 1, Field: "title", Value: json.RawMessage(`"hi"`)}))
	require.NoError(t, err)

	data, err := e.Serialize(state)
	require.NoError(t, err)

	restored, err := e.Deserialize(data)
	require.NoError(t, err)

	out1, err := e.Render(state)
	require.NoError(t, err)
	out2, err := e.Render(restored)
	require.NoError(t, err)
	require.Equal(t, out1, out2)
}

func TestApplyRejectsUnknownOp(t *testing.T) {
	e := New()
	_, err := e.Apply(e.New(), mustOp(t, Op{Kind: "bogus"}))
	require.Error(t, err)
}
