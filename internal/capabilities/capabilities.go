// Package capabilities detects the optional runtime features a Worker
// advertises in its heartbeat — browser-engine presence today, with
// room for more (spec.md §9, §4.7 "Reconcile capabilities").
package capabilities

import (
	"os/exec"

	"antcode/internal/domain"
)

// candidate is one capability this package knows how to probe for.
type candidate struct {
	name     string
	binaries []string
	headless bool
}

// knownCandidates lists the optional runtime features Detect probes
// for. Each is resolved against PATH; the first matching binary name
// wins.
var knownCandidates = []candidate{
	{name: "chromium", binaries: []string{"chromium", "chromium-browser", "google-chrome"}, headless: true},
	{name: "firefox", binaries: []string{"firefox", "firefox-esr"}, headless: true},
	{name: "webkit", binaries: []string{"webkit2gtk-launcher"}, headless: false},
}

// lookPath is overridden in tests; defaults to exec.LookPath.
var lookPath = exec.LookPath

// Detect is a pure function (modulo the PATH lookup) returning the
// capability map embedded in every heartbeat: {name -> {enabled,
// path?, headless?}} (spec.md §9 "Capability detection ... runs once
// at startup and is embedded in every heartbeat").
func Detect() map[string]domain.Capability {
	out := make(map[string]domain.Capability, len(knownCandidates))
	for _, c := range knownCandidates {
		found := domain.Capability{Enabled: false, Headless: c.headless}
		for _, bin := range c.binaries {
			if path, err := lookPath(bin); err == nil {
				found.Enabled = true
				found.Path = path
				break
			}
		}
		out[c.name] = found
	}
	return out
}
