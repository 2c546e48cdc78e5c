package sklog

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/metresearchgroup/bskybackfill/internal/sktest"
)

type recordingLogger struct {
	calls []string
}

func (r *recordingLogger) Log(severity, msg string) {
	r.calls = append(r.calls, severity+": "+msg)
}

func TestSetCloudLogger_MirrorsLogCalls(t *testing.T) {
	sktest.SmallTest(t)

	rec := &recordingLogger{}
	SetCloudLogger(rec)
	defer SetCloudLogger(nil)

	Infof("job %s submitted", "job-1")
	Warningf("lease %s expiring soon", "task-1")
	Errorf("handler failed: %v", "boom")

	assert.Equal(t, []string{
		"INFO: job job-1 submitted",
		"WARNING: lease task-1 expiring soon",
		"ERROR: handler failed: boom",
	}, rec.calls)
}

func TestSetCloudLogger_NilIsSafe(t *testing.T) {
	sktest.SmallTest(t)

	SetCloudLogger(nil)
	Infof("no cloud logger installed")
}
