package cli

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/jobs"
)

func TestTaskForKnownJobs(t *testing.T) {
	for _, name := range []string{jobs.TaskReservationsExpire, jobs.TaskReportsWarmup} {
		task, err := taskFor(name)
		require.NoError(t, err)
		assert.Equal(t, name, task.Type())
	}

	_, err := taskFor("inventory:unknown")
	require.Error(t, err)
}

func TestRunJobsUsage(t *testing.T) {
	var out bytes.Buffer
	require.Error(t, RunJobs(context.Background(), "127.0.0.1:0", nil, &out))
	require.Error(t, RunJobs(context.Background(), "127.0.0.1:0", []string{"trigger"}, &out))
	require.Error(t, RunJobs(context.Background(), "127.0.0.1:0", []string{"purge"}, &out))
}
