package statestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingSnapshotReturnsNilNotError(t *testing.T) {
	dir := t.TempDir()
	state, err := Load(dir)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	state := New(1700000000)
	state.CycleCount = 3
	state.Phase = PhaseTesting
	state.History = append(state.History, CycleRecord{Cycle: 1, Score: 40, Phase: PhaseImplementation, Timestamp: 1700000001})
	state.LastVerdict = &ReviewVerdict{Score: 40, NextInstructions: "wire the parser", IsComplete: false}

	require.NoError(t, Save(dir, state))

	loaded, err := Load(dir)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 3, loaded.CycleCount)
	assert.Equal(t, PhaseTesting, loaded.Phase)
	require.Len(t, loaded.History, 1)
	assert.Equal(t, 40, loaded.History[0].Score)
	require.NotNil(t, loaded.LastVerdict)
	assert.Equal(t, "wire the parser", loaded.LastVerdict.NextInstructions)
}

func TestLoadDefaultsMissingPhaseToImplementation(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(dir, &LoopState{CycleCount: 1}))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, PhaseImplementation, loaded.Phase)
}

func TestNewAssignsUniqueSessionID(t *testing.T) {
	a := New(1700000000)
	b := New(1700000000)
	assert.NotEmpty(t, a.SessionID)
	assert.NotEqual(t, a.SessionID, b.SessionID)
}

func TestUsageAddSumsFields(t *testing.T) {
	a := Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	b := Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}
	sum := a.Add(b)
	assert.Equal(t, 13, sum.PromptTokens)
	assert.Equal(t, 7, sum.CompletionTokens)
	assert.Equal(t, 20, sum.TotalTokens)
}
