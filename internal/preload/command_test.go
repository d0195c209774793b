package preload

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fastcgi-cache-warden/internal/config"
)

func TestBuildArgsMirror(t *testing.T) {
	t.Parallel()

	args := BuildArgs(testSettings(), PassDesktop, "https://example.com", false)
	require.Equal(t, []string{
		"--limit-rate=1280k",
		"-nv",
		"-m",
		"-p", "-E", "-k",
		"-P", "/dev/shm/cache/tmp",
		"--no-cookies",
		"--reject-regex", `"*.php*"`,
		"--no-use-server-timestamps",
		"--wait=1",
		"--timeout=5",
		"--tries=1",
		"-e", "robots=off",
		"-U", config.DesktopUserAgent,
		"https://example.com",
	}, args)
}

func TestBuildArgsSinglePageWithoutReject(t *testing.T) {
	t.Parallel()

	s := testSettings()
	s.RejectRegex = ""
	args := BuildArgs(s, PassMobile, "https://example.com/post/", true)
	require.NotContains(t, args, "-m")
	require.NotContains(t, args, "--reject-regex")
	require.Equal(t, "https://example.com/post/", args[len(args)-1])
	require.Equal(t, config.MobileUserAgent, args[len(args)-2])
}

func TestSettingsFromConfig(t *testing.T) {
	t.Parallel()

	var cfg config.Config
	cfg.Preload.WgetPath = "/usr/bin/wget"
	cfg.Preload.LimitRateKB = 64
	cfg.Preload.CPULimit = 30
	cfg.Preload.LogFile = "/tmp/w.log"
	cfg.Cache.TmpDir = "/dev/shm/c/tmp"

	s := SettingsFromConfig(cfg)
	require.Equal(t, "/usr/bin/wget", s.WgetPath)
	require.Equal(t, 64, s.LimitRateKB)
	require.Equal(t, 30, s.CPULimit)
	require.Equal(t, "/tmp/w.log", s.LogFile)
	require.Equal(t, "/dev/shm/c/tmp", s.TmpDir)
}
