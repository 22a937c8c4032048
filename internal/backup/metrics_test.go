package backup

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordJob(t *testing.T) {
	counter := JobsTotal.WithLabelValues(string(JobStatusFailed), StepMirror)
	before := testutil.ToFloat64(counter)

	RecordJob(JobStatusFailed, StepMirror)
	RecordJob(JobStatusFailed, StepMirror)

	assert.Equal(t, before+2, testutil.ToFloat64(counter))
}

func TestRecordStorageOperation(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		outcome string
	}{
		{"success", nil, "success"},
		{"transient", NewTransientStorageError("timeout", nil), "transient_error"},
		{"conflict", NewConflictError("exists", nil), "conflict"},
		{"not found", NewNotFoundError("missing", nil), "not_found"},
		{"other", errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter := StorageOperationsTotal.WithLabelValues("metrics-test", "write", tt.outcome)
			before := testutil.ToFloat64(counter)

			RecordStorageOperation("metrics-test", "write", 10*time.Millisecond, tt.err)

			assert.Equal(t, before+1, testutil.ToFloat64(counter))
		})
	}
}

func TestObserveStage(t *testing.T) {
	before := testutil.CollectAndCount(StageDuration)
	ObserveStage("metrics-test-stage", time.Second)
	assert.Equal(t, before+1, testutil.CollectAndCount(StageDuration))
}

func TestRecordMirrorFailure(t *testing.T) {
	counter := MirrorFailuresTotal.WithLabelValues("quota")
	before := testutil.ToFloat64(counter)
	RecordMirrorFailure("quota")
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}
