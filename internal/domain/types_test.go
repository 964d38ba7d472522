package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeOfDay(t *testing.T) {
	tod, err := ParseTimeOfDay("07:05")
	require.NoError(t, err)
	assert.Equal(t, TimeOfDay{Hour: 7, Minute: 5}, tod)
	assert.Equal(t, "07:05", tod.String())
	assert.Equal(t, 425, tod.MinuteOfDay())

	_, err = ParseTimeOfDay("25:00")
	assert.Error(t, err)
}

func TestTimeOfDay_On(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	ref := time.Date(2026, 3, 2, 18, 45, 12, 0, loc)
	got := TimeOfDay{Hour: 6, Minute: 30}.On(ref)
	assert.Equal(t, time.Date(2026, 3, 2, 6, 30, 0, 0, loc), got)
}

func TestTrigger_JSONUsesClockString(t *testing.T) {
	tod := TimeOfDay{Hour: 21, Minute: 0}
	b, err := json.Marshal(Trigger{Kind: TriggerTime, Time: &tod})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"TIME","time":"21:00"}`, string(b))

	var back Trigger
	require.NoError(t, json.Unmarshal(b, &back))
	require.NotNil(t, back.Time)
	assert.Equal(t, tod, *back.Time)
}

func TestTrigger_AppliesOn(t *testing.T) {
	every := Trigger{Kind: TriggerDaily}
	assert.True(t, every.AppliesOn(time.Sunday))

	weekdays := Trigger{Kind: TriggerDaily, Days: []time.Weekday{time.Monday, time.Wednesday}}
	assert.True(t, weekdays.AppliesOn(time.Wednesday))
	assert.False(t, weekdays.AppliesOn(time.Saturday))
}

func TestRule_MissRate(t *testing.T) {
	assert.Zero(t, Rule{}.MissRate())
	assert.InDelta(t, 0.25, Rule{TotalCompletions: 3, TotalMisses: 1}.MissRate(), 1e-9)
}

func TestRule_Validate(t *testing.T) {
	tod := TimeOfDay{Hour: 7}
	valid := Rule{
		Name:                     "Wake",
		Trigger:                  Trigger{Kind: TriggerTime, Time: &tod},
		EstimatedDurationMinutes: 10,
		Consequence:              Consequence{Kind: ConsequenceTimeDebt, DebtMultiplier: 1.5},
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(r *Rule)
	}{
		{"missing name", func(r *Rule) { r.Name = "" }},
		{"unknown trigger", func(r *Rule) { r.Trigger.Kind = "HOURLY" }},
		{"time trigger without time", func(r *Rule) { r.Trigger.Time = nil }},
		{"zero duration", func(r *Rule) { r.EstimatedDurationMinutes = 0 }},
		{"unknown consequence", func(r *Rule) { r.Consequence.Kind = "FINE" }},
		{"multiplier below one", func(r *Rule) { r.Consequence.DebtMultiplier = 0.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			err := r.Validate()
			assert.ErrorIs(t, err, ErrRuleInvalid)
		})
	}
}

func TestISOWeekday(t *testing.T) {
	assert.Equal(t, 1, ISOWeekday(time.Monday))
	assert.Equal(t, 6, ISOWeekday(time.Saturday))
	assert.Equal(t, 7, ISOWeekday(time.Sunday))
}

func TestSystemState_PenaltyMultiplier(t *testing.T) {
	assert.Equal(t, 1.0, SystemState{}.PenaltyMultiplier())
	assert.Equal(t, 1.0, SystemState{SilentPunishmentMultiplier: 1.3}.PenaltyMultiplier())
	assert.Equal(t, 1.3, SystemState{SilentPunishmentActive: true, SilentPunishmentMultiplier: 1.3}.PenaltyMultiplier())
}

func TestEnforcerError_IsMatchesWrappedCode(t *testing.T) {
	wrapped := fmt.Errorf("load: %w", WrapEnforcerError(ErrConfigInvalid.Code, "bad config", errors.New("db_path is required")))
	assert.ErrorIs(t, wrapped, ErrConfigInvalid)
	assert.NotErrorIs(t, wrapped, ErrStoreInit)
	assert.Contains(t, wrapped.Error(), "db_path is required")
}
