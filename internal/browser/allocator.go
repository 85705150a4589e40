package browser

import (
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/pagepilot/internal/config"
)

// AllocatorOptions turns the browser configuration into exec allocator options.
// The defaults are stated explicitly rather than taken from
// chromedp.DefaultExecAllocatorOptions, which forces headless mode.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.DisableGPU,
		chromedp.Flag("enable-automation", true),
		chromedp.Flag("disable-popup-blocking", true),
		chromedp.Flag("disable-background-networking", true),
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}

	for _, f := range parseFlags(cfg.Args) {
		opts = append(opts, chromedp.Flag(f.name, f.value))
	}
	return opts
}

type flag struct {
	name  string
	value interface{}
}

// parseFlags reads command line args of the form "--flag" or "--flag=value".
func parseFlags(args []string) []flag {
	var out []flag
	for _, arg := range args {
		key, value, found := strings.Cut(strings.TrimLeft(strings.TrimSpace(arg), "-"), "=")
		if key == "" {
			continue
		}
		if found {
			out = append(out, flag{name: key, value: value})
		} else {
			out = append(out, flag{name: key, value: true})
		}
	}
	return out
}
