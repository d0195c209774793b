package preload

import (
	"fmt"

	"github.com/JakeFAU/fastcgi-cache-warden/internal/config"
)

// Pass selects which user agent a crawl presents.
type Pass string

// Crawl passes. The mobile pass only ever follows a finished desktop pass.
const (
	PassDesktop Pass = "desktop"
	PassMobile  Pass = "mobile"
)

// UserAgent returns the fixed user agent for the pass.
func (p Pass) UserAgent() string {
	if p == PassMobile {
		return config.MobileUserAgent
	}
	return config.DesktopUserAgent
}

// Settings are the crawl knobs read from configuration.
type Settings struct {
	WgetPath    string
	LimitRateKB int
	CPULimit    int
	RejectRegex string
	TmpDir      string
	LogFile     string
}

// SettingsFromConfig extracts crawl settings.
func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		WgetPath:    cfg.Preload.WgetPath,
		LimitRateKB: cfg.Preload.LimitRateKB,
		CPULimit:    cfg.Preload.CPULimit,
		RejectRegex: cfg.Preload.RejectRegex,
		TmpDir:      cfg.Cache.TmpDir,
		LogFile:     cfg.Preload.LogFile,
	}
}

// BuildArgs renders the wget argument list for one pass. Single-page runs
// fetch the page and its requisites without mirroring the site.
func BuildArgs(s Settings, pass Pass, seedURL string, single bool) []string {
	args := []string{
		fmt.Sprintf("--limit-rate=%dk", s.LimitRateKB),
		"-nv",
	}
	if !single {
		args = append(args, "-m")
	}
	args = append(args,
		"-p", "-E", "-k",
		"-P", s.TmpDir,
		"--no-cookies",
	)
	if s.RejectRegex != "" {
		args = append(args, "--reject-regex", s.RejectRegex)
	}
	args = append(args,
		"--no-use-server-timestamps",
		"--wait=1",
		"--timeout=5",
		"--tries=1",
		"-e", "robots=off",
		"-U", pass.UserAgent(),
		seedURL,
	)
	return args
}
