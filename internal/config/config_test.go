package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 60*time.Second, cfg.DefaultInterval)
	require.Equal(t, 10*time.Second, cfg.DefaultTimeout)
	require.Equal(t, 5, cfg.MaxConcurrentChecks)
	require.Equal(t, 2000*time.Millisecond, cfg.SlowThreshold)
	require.Equal(t, 5000*time.Millisecond, cfg.CriticalThreshold)
	require.Equal(t, 5, cfg.BreakerThreshold)
	require.Equal(t, 300*time.Second, cfg.BreakerTimeout)
	require.Equal(t, time.Hour, cfg.MaintenanceInterval)
	require.Equal(t, "INFO", cfg.LogLevel)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "monitor.conf")
	body := "DEFAULT_INTERVAL=30\nMAX_CONCURRENT_CHECKS=8\nLOG_LEVEL=DEBUG\nCONTENT_CHECK_ENABLED=false\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, cfg.DefaultInterval)
	require.Equal(t, 8, cfg.MaxConcurrentChecks)
	require.Equal(t, "DEBUG", cfg.LogLevel)
	require.False(t, cfg.ContentCheckEnabled)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	dir := t.TempDir()

	cases := map[string]string{
		"interval_too_small": "DEFAULT_INTERVAL=5\n",
		"timeout_too_small":  "DEFAULT_TIMEOUT=0\n",
		"bad_log_level":      "LOG_LEVEL=NOISY\n",
		"thresholds_flipped": "SLOW_RESPONSE_THRESHOLD=6000\nCRITICAL_RESPONSE_THRESHOLD=5000\n",
		"zero_concurrency":   "MAX_CONCURRENT_CHECKS=0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".conf")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.conf"))
	require.Error(t, err)
}
