package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smazurov/vcapd/internal/vdev"
)

func TestRunSelftest(t *testing.T) {
	report, err := RunSelftest(context.Background(), SelftestOptions{
		Sessions:   4,
		Iterations: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, "msm_ba.0", report.Device)
	assert.Equal(t, "video35", report.Node)
	assert.Equal(t, int64(4*3*15), report.Requests)
	assert.False(t, report.Leaked)
	assert.Zero(t, report.NodesAfterExit)
	for kind, live := range report.Live {
		assert.Zerof(t, live, "%s still live", kind)
	}
}

func TestRunSelftestForcePolicy(t *testing.T) {
	report, err := RunSelftest(context.Background(), SelftestOptions{
		Sessions:     2,
		Iterations:   1,
		DetachPolicy: vdev.DetachForce,
	})
	require.NoError(t, err)
	assert.False(t, report.Leaked)
}

func TestRunSelftestCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RunSelftest(ctx, SelftestOptions{Sessions: 2, Iterations: 2})
	require.ErrorIs(t, err, context.Canceled)
}

func TestSelftestCommandJSON(t *testing.T) {
	cmd := CreateSelftestCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--sessions", "2", "--iterations", "1", "--json"})

	require.NoError(t, cmd.Execute())

	var report SelftestReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, 2, report.Sessions)
	assert.False(t, report.Leaked)
}

func TestSelftestCommandRejectsUnknownPolicy(t *testing.T) {
	cmd := CreateSelftestCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--detach-policy", "linger"})

	assert.Error(t, cmd.Execute())
}
