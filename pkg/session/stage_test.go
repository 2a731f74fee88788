package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStage(t *testing.T) {
	tests := []struct {
		in      string
		want    Stage
		wantErr bool
	}{
		{"IDLE", Idle, false},
		{"pre_cond", PreCond, false},
		{"ramp-up", RampUp, false},
		{" HOLD ", Hold, false},
		{"Purge", Purge, false},
		{"RECOVERY", Recovery, false},
		{"DONE", Idle, true},
		{"", Idle, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStage(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStage_Next(t *testing.T) {
	assert.Equal(t, PreCond, Idle.Next())
	assert.Equal(t, RampUp, PreCond.Next())
	assert.Equal(t, Idle, Recovery.Next())
	assert.Equal(t, Idle, Stage(42).Next())
}

func TestStage_JSON(t *testing.T) {
	b, err := json.Marshal(struct {
		Stage Stage `json:"stage"`
	}{Hold})
	require.NoError(t, err)
	assert.JSONEq(t, `{"stage":"HOLD"}`, string(b))

	var v struct {
		Stage Stage `json:"stage"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"stage":"purge"}`), &v))
	assert.Equal(t, Purge, v.Stage)
}

func TestDurations_Total(t *testing.T) {
	assert.Equal(t, 100*time.Second, protocolDurations().Total())
}
