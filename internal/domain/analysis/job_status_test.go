package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		wantErr bool
	}{
		{"queued to running", JobStatusQueued, JobStatusRunning, false},
		{"queued to paused", JobStatusQueued, JobStatusPaused, true},
		{"queued to completed", JobStatusQueued, JobStatusCompleted, true},
		{"running to paused", JobStatusRunning, JobStatusPaused, false},
		{"running to completed", JobStatusRunning, JobStatusCompleted, false},
		{"running to cancelled", JobStatusRunning, JobStatusCancelled, false},
		{"running to failed", JobStatusRunning, JobStatusFailed, false},
		{"running to queued", JobStatusRunning, JobStatusQueued, true},
		{"paused to running", JobStatusPaused, JobStatusRunning, false},
		{"paused to cancelled", JobStatusPaused, JobStatusCancelled, false},
		{"paused to completed", JobStatusPaused, JobStatusCompleted, true},
		{"paused to failed", JobStatusPaused, JobStatusFailed, true},
		{"completed is absorbing", JobStatusCompleted, JobStatusRunning, true},
		{"cancelled is absorbing", JobStatusCancelled, JobStatusRunning, true},
		{"failed is absorbing", JobStatusFailed, JobStatusQueued, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.from.ValidateTransition(tt.to)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestJobStatusIsTerminal(t *testing.T) {
	assert.False(t, JobStatusQueued.IsTerminal())
	assert.False(t, JobStatusRunning.IsTerminal())
	assert.False(t, JobStatusPaused.IsTerminal())
	assert.True(t, JobStatusCompleted.IsTerminal())
	assert.True(t, JobStatusCancelled.IsTerminal())
	assert.True(t, JobStatusFailed.IsTerminal())
}

func TestParseJobStatus(t *testing.T) {
	for _, s := range []JobStatus{
		JobStatusQueued, JobStatusRunning, JobStatusPaused,
		JobStatusCompleted, JobStatusCancelled, JobStatusFailed,
	} {
		assert.Equal(t, s, ParseJobStatus(s.String()))
	}
	assert.Equal(t, JobStatus(""), ParseJobStatus("NOT_A_STATUS"))
}
