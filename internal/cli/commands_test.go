package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/judgesync/internal/config"
	"github.com/kimhsiao/judgesync/internal/sync/remote/remotetest"
)

const scorePayload = `{"competition_id":"c1","participant_id":"p1","judge_id":"j1","criterion":"execution","score":8.5}`

type cliEnv struct {
	dataDir string
	server  *remotetest.Server
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	server := remotetest.NewServer()
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	t.Setenv(config.FileEnv, "")
	t.Setenv("JUDGESYNC_SERVER_URL", ts.URL)
	t.Setenv("JUDGESYNC_LOG_LEVEL", "error")
	t.Setenv(PasswordEnv, "")
	return &cliEnv{dataDir: t.TempDir(), server: server}
}

// run executes a command in JSON mode and decodes its data.
func (e *cliEnv) run(t *testing.T, out interface{}, args ...string) int {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--format", "json", "--data-dir", e.dataDir}, args...)
	code := Execute(context.Background(), full, &stdout, &stderr)

	if out != nil && stdout.Len() > 0 {
		var resp struct {
			Status string          `json:"status"`
			Data   json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &resp), stdout.String())
		if resp.Status == "ok" {
			require.NoError(t, json.Unmarshal(resp.Data, out))
		}
	}
	return code
}

func TestCLI_EnqueueSyncStats(t *testing.T) {
	env := newCLIEnv(t)

	var action struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	code := env.run(t, &action, "enqueue", "--resource", "score-p1", "--payload", scorePayload)
	require.Equal(t, ExitSuccess, code)
	assert.NotEmpty(t, action.ID)
	assert.Equal(t, "pending", action.Status)

	var stats struct {
		PendingActions int    `json:"pendingActions"`
		DeviceID       string `json:"deviceId"`
	}
	require.Equal(t, ExitSuccess, env.run(t, &stats, "stats"))
	assert.Equal(t, 1, stats.PendingActions)
	assert.NotEmpty(t, stats.DeviceID)

	var result struct {
		Successful int
	}
	require.Equal(t, ExitSuccess, env.run(t, &result, "sync"))
	assert.Equal(t, 1, result.Successful)

	r, ok := env.server.Resource("score-p1")
	require.True(t, ok)
	assert.EqualValues(t, 1, r.Version)

	require.Equal(t, ExitSuccess, env.run(t, &stats, "stats"))
	assert.Equal(t, 0, stats.PendingActions)
}

func TestCLI_EnqueueRejectsBadInput(t *testing.T) {
	env := newCLIEnv(t)

	assert.Equal(t, ExitCommandError, env.run(t, nil, "enqueue", "--type", "rename", "--resource", "r", "--payload", "{}"))
	assert.Equal(t, ExitFailure, env.run(t, nil, "enqueue", "--resource", "r", "--payload", `{"score":-1}`))
	assert.Equal(t, ExitCommandError, env.run(t, nil, "enqueue", "--payload", scorePayload), "missing --resource")
}

func TestCLI_FailedAndRequeue(t *testing.T) {
	env := newCLIEnv(t)
	env.server.RejectResource("score-p1", "PERMISSION_DENIED")

	require.Equal(t, ExitSuccess, env.run(t, nil, "enqueue", "--resource", "score-p1", "--payload", scorePayload))
	require.Equal(t, ExitSuccess, env.run(t, nil, "sync"))

	var failed []struct {
		ID        string `json:"id"`
		LastError string `json:"last_error"`
	}
	require.Equal(t, ExitSuccess, env.run(t, &failed, "failed"))
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].LastError, "refused")

	require.Equal(t, ExitSuccess, env.run(t, nil, "requeue", failed[0].ID))
	assert.Equal(t, ExitFailure, env.run(t, nil, "requeue", failed[0].ID), "only failed actions can be requeued")
	assert.Equal(t, ExitFailure, env.run(t, nil, "requeue", "not-an-id"))
}

func TestCLI_ConflictsAndResolve(t *testing.T) {
	env := newCLIEnv(t)
	t.Setenv("JUDGESYNC_STRATEGY", "manual")
	env.server.PutResource("score-p1", 4, json.RawMessage(scorePayload), 1<<62)

	require.Equal(t, ExitSuccess, env.run(t, nil, "enqueue", "--resource", "score-p1", "--payload", scorePayload))
	require.Equal(t, ExitSuccess, env.run(t, nil, "sync"))

	var conflicts []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.Equal(t, ExitSuccess, env.run(t, &conflicts, "conflicts", "--status", "pending"))
	require.Len(t, conflicts, 1)

	var res struct {
		Outcome      string
		ActionStatus string
	}
	assert.Equal(t, ExitCommandError, env.run(t, nil, "resolve", conflicts[0].ID), "a resolution must be chosen")
	require.Equal(t, ExitSuccess, env.run(t, &res, "resolve", conflicts[0].ID, "--keep-local"))
	assert.Equal(t, "local-wins", res.Outcome)
	assert.Equal(t, "pending", res.ActionStatus)

	var result struct{ Successful int }
	require.Equal(t, ExitSuccess, env.run(t, &result, "sync"))
	assert.Equal(t, 1, result.Successful)

	assert.Equal(t, ExitCommandError, env.run(t, nil, "resolve", conflicts[0].ID, "--accept-remote", "--payload", "{}"))
}

func TestCLI_ExportImport(t *testing.T) {
	env := newCLIEnv(t)
	require.Equal(t, ExitSuccess, env.run(t, nil, "enqueue", "--resource", "score-p1", "--payload", scorePayload))

	path := filepath.Join(t.TempDir(), "backup.tar.gz")
	var exported struct {
		ActionCount int
		Encrypted   bool
	}
	require.Equal(t, ExitSuccess, env.run(t, &exported, "export", "-o", path, "--password", "panel-secret"))
	assert.Equal(t, 1, exported.ActionCount)
	assert.True(t, exported.Encrypted)

	other := &cliEnv{dataDir: t.TempDir(), server: env.server}
	assert.Equal(t, ExitFailure, other.run(t, nil, "import", path, "--password", "wrong-secret"))

	var imported struct {
		Inserted int `json:"inserted"`
	}
	require.Equal(t, ExitSuccess, other.run(t, &imported, "import", path, "--password", "panel-secret"))
	assert.Equal(t, 1, imported.Inserted)
}

func TestCLI_Prune(t *testing.T) {
	env := newCLIEnv(t)
	require.Equal(t, ExitSuccess, env.run(t, nil, "enqueue", "--resource", "score-p1", "--payload", scorePayload))
	require.Equal(t, ExitSuccess, env.run(t, nil, "sync"))

	var pruned struct {
		Deleted int64 `json:"deleted"`
	}
	require.Equal(t, ExitSuccess, env.run(t, &pruned, "prune"))
	assert.Zero(t, pruned.Deleted, "recent actions are retained")
}

func TestCLI_InvalidFormat(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), []string{"--format", "xml", "stats"}, &stdout, &stderr)
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr.String(), "invalid format")
}
