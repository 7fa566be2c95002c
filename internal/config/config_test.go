package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SCRIPTSERVER_ADDR", "127.0.0.1:9000")
	t.Setenv("SCRIPTSERVER_ADMIN_USERS", "root, ops ,")
	t.Setenv("SCRIPTSERVER_LOG_FORMAT", "json")
	t.Setenv("SCRIPTSERVER_ONETIME_RETENTION_MINUTES", "-1")
	t.Setenv("SCRIPTSERVER_USE_UTC", "yes")
	t.Setenv("SCRIPTSERVER_SHUTDOWN_GRACE", "9s")
	t.Setenv("SCRIPTSERVER_KEEP_FINISHED", "not-a-number")

	cfg := Load()
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, []string{"root", "ops"}, cfg.Server.AdminUsers)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, -1, cfg.Schedule.OneTimeRetention)
	assert.True(t, cfg.Schedule.UseUTC)
	assert.Equal(t, 9*time.Second, cfg.ShutdownGrace)
	assert.Equal(t, defaultKeepFinished, cfg.Execution.KeepFinished)
	assert.Equal(t, ModeHTTP, cfg.Mode)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("SCRIPTSERVER_ADDR", "127.0.0.1:9000")
	t.Setenv("SCRIPTSERVER_LOG_LEVEL", "warn")

	cfg := Load()
	cmd := &cobra.Command{Use: "serve", RunE: func(*cobra.Command, []string) error { return nil }}
	cfg.BindFlags(cmd)
	cmd.SetArgs([]string{"--addr", ":8080", "--mode", "both", "--admin", "a,b"})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, ModeBoth, cfg.Mode)
	assert.Equal(t, []string{"a", "b"}, cfg.Server.AdminUsers)
}

func TestFinalize(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		scenario string
		given    Config
		wantErr  bool
	}{
		{"defaults resolved", Config{Mode: ModeHTTP, StateDir: dir}, false},
		{"unknown mode", Config{Mode: "grpc", StateDir: dir}, true},
		{"retention below never", Config{Mode: ModeMCP, StateDir: dir, Schedule: ScheduleConfig{OneTimeRetention: -2}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.scenario, func(t *testing.T) {
			cfg := tt.given
			err := cfg.Finalize()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, defaultRunLogKeep, cfg.Log.Retention)
			assert.Equal(t, defaultKeepFinished, cfg.Execution.KeepFinished)
			assert.Equal(t, filepath.Join(dir, "scripts"), cfg.Execution.ScriptsDir)
		})
	}
}
