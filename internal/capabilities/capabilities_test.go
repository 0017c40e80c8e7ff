package capabilities

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetect_MarksFoundBinaryEnabled(t *testing.T) {
	orig := lookPath
	defer func() { lookPath = orig }()

	lookPath = func(name string) (string, error) {
		if name == "chromium" {
			return "/usr/bin/chromium", nil
		}
		return "", fmt.Errorf("not found: %s", name)
	}

	caps := Detect()
	require.True(t, caps["chromium"].Enabled)
	require.Equal(t, "/usr/bin/chromium", caps["chromium"].Path)
	require.False(t, caps["firefox"].Enabled)
}

func TestDetect_AllMissingYieldsAllDisabled(t *testing.T) {
	orig := lookPath
	defer func() { lookPath = orig }()

	lookPath = func(name string) (string, error) {
		return "", fmt.Errorf("not found: %s", name)
	}

	caps := Detect()
	for name, c := range caps {
		require.Falsef(t, c.Enabled, "expected %s disabled", name)
		require.Empty(t, c.Path)
	}
}

func TestDetect_TriesFallbackBinaryNames(t *testing.T) {
	orig := lookPath
	defer func() { lookPath = orig }()

	lookPath = func(name string) (string, error) {
		if name == "google-chrome" {
			return "/usr/bin/google-chrome", nil
		}
		return "", fmt.Errorf("not found: %s", name)
	}

	caps := Detect()
	require.True(t, caps["chromium"].Enabled)
	require.Equal(t, "/usr/bin/google-chrome", caps["chromium"].Path)
}
