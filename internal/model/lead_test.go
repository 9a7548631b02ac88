package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMapping() *StageMapping {
	return &StageMapping{
		FunnelID: "f1",
		Workable: "contacted",
		Stages: []StageDef{
			{Name: "won", Code: 40},
			{Name: "new", Code: 10},
			{Name: "contacted", Code: 20},
			{Name: "meeting", Code: 30},
		},
	}
}

func TestStageMapping_ValidateSortsByCode(t *testing.T) {
	m := testMapping()
	require.NoError(t, m.Validate())

	codes := make([]int, len(m.Stages))
	for i, s := range m.Stages {
		codes[i] = s.Code
	}
	assert.Equal(t, []int{10, 20, 30, 40}, codes)
}

func TestStageMapping_ValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*StageMapping)
		want   string
	}{
		{name: "empty", mutate: func(m *StageMapping) { m.Stages = nil }, want: "has no stages"},
		{name: "empty_name", mutate: func(m *StageMapping) { m.Stages[0].Name = "" }, want: "empty name"},
		{name: "dup_name", mutate: func(m *StageMapping) { m.Stages[1].Name = "won" }, want: "duplicate stage"},
		{name: "dup_code", mutate: func(m *StageMapping) { m.Stages[1].Code = 40 }, want: "duplicate stage code"},
		{name: "bad_workable", mutate: func(m *StageMapping) { m.Workable = "lost" }, want: "not in mapping"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testMapping()
			tt.mutate(m)
			err := m.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestStageMapping_Lookups(t *testing.T) {
	m := testMapping()
	require.NoError(t, m.Validate())

	code, err := m.Code("meeting")
	require.NoError(t, err)
	assert.Equal(t, 30, code)

	name, err := m.Name(20)
	require.NoError(t, err)
	assert.Equal(t, "contacted", name)

	idx, err := m.Index(40)
	require.NoError(t, err)
	assert.Equal(t, 3, idx)

	next, err := m.Neighbor(20, 1)
	require.NoError(t, err)
	assert.Equal(t, 30, next)
	prev, err := m.Neighbor(20, -1)
	require.NoError(t, err)
	assert.Equal(t, 10, prev)

	_, err = m.Neighbor(40, 1)
	assert.Error(t, err)

	_, err = m.Code("lost")
	assert.ErrorIs(t, err, ErrUnknownStage)
	_, err = m.Name(99)
	assert.ErrorIs(t, err, ErrUnknownStage)
	_, err = m.Index(99)
	assert.ErrorIs(t, err, ErrUnknownStage)
	_, err = m.Neighbor(99, 1)
	assert.ErrorIs(t, err, ErrUnknownStage)
}

func TestLeadState_LockedByOther(t *testing.T) {
	l := &LeadState{LeadID: "l1"}
	assert.False(t, l.LockedByOther("u1"))

	l.OwnerLock, l.OwnerID = true, "u1"
	assert.False(t, l.LockedByOther("u1"))
	assert.True(t, l.LockedByOther("u2"))
}
