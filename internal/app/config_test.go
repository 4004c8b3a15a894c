package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "config/reports", cfg.ReportsDir)
	require.Equal(t, 10*time.Minute, cfg.ReportCacheTTL)
	require.True(t, cfg.ReportParallelColumnGroups)
	require.Equal(t, 80, cfg.ReportLoadMoreLimit)
	require.Equal(t, 100, cfg.ReportMaxResolvePasses)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("REPORTS_DIR", "/etc/reports")
	t.Setenv("REPORT_CACHE_TTL", "90s")
	t.Setenv("REPORT_PARALLEL_COLUMN_GROUPS", "false")
	t.Setenv("REPORT_MAX_RESOLVE_PASSES", "12")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.True(t, cfg.IsProduction())
	require.Equal(t, "/etc/reports", cfg.ReportsDir)
	require.Equal(t, 90*time.Second, cfg.ReportCacheTTL)
	require.False(t, cfg.ReportParallelColumnGroups)
	require.Equal(t, 12, cfg.ReportMaxResolvePasses)
}

func TestLoadConfigRejectsInvalidLimits(t *testing.T) {
	t.Setenv("REPORT_MAX_RESOLVE_PASSES", "0")
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("REPORT_MAX_RESOLVE_PASSES", "5")
	t.Setenv("REPORT_LOAD_MORE_LIMIT", "-1")
	_, err = LoadConfig()
	require.Error(t, err)
}
