package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptserver/internal/config"
	"scriptserver/internal/notify"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, version+"\n", out.String())
}

func TestServeRejectsUnknownMode(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"serve", "--mode", "carrier-pigeon", "--state-dir", t.TempDir()})
	require.ErrorContains(t, root.Execute(), "unknown mode")
}

func TestNewNotifier(t *testing.T) {
	cfg := &config.Config{}
	n, err := newNotifier(cfg)
	require.NoError(t, err)
	assert.IsType(t, &notify.NoOpNotifier{}, n)

	cfg.Notification.Bark = config.BarkConfig{URL: "https://api.day.app/key", Enabled: true}
	n, err = newNotifier(cfg)
	require.NoError(t, err)
	assert.IsType(t, &notify.MultiNotifier{}, n)
}

func TestExecutionOptions(t *testing.T) {
	cfg := &config.Config{StateDir: t.TempDir()}
	base := executionOptions(cfg, nil, &notify.NoOpNotifier{}, nil)

	cfg.Execution.ConnectionsFile = "connections.yaml"
	cfg.Execution.BacklogBytes = 1024
	assert.Len(t, executionOptions(cfg, nil, &notify.NoOpNotifier{}, nil), len(base)+2)
}
