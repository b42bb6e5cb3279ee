package version

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

// setVars overrides the build variables for the duration of the test.
func setVars(t *testing.T, version, commit, buildTime string) {
	t.Helper()
	origVersion, origCommit, origBuildTime := Version, Commit, BuildTime
	t.Cleanup(func() {
		Version, Commit, BuildTime = origVersion, origCommit, origBuildTime
	})
	Version, Commit, BuildTime = version, commit, buildTime
}

func TestString(t *testing.T) {
	t.Run("default values", func(t *testing.T) {
		setVars(t, "dev", "unknown", "unknown")

		result := String()

		if !strings.Contains(result, "dev") {
			t.Errorf("String() = %q, should contain 'dev'", result)
		}
		if !strings.Contains(result, "built unknown") {
			t.Errorf("String() = %q, should contain 'built unknown'", result)
		}
	})

	t.Run("custom values", func(t *testing.T) {
		setVars(t, "1.2.3", "abc1234", "2024-01-15T10:00:00Z")

		expected := "1.2.3 (abc1234) built 2024-01-15T10:00:00Z"
		if result := String(); result != expected {
			t.Errorf("String() = %q, want %q", result, expected)
		}
	})
}

func TestAttr(t *testing.T) {
	setVars(t, "1.2.3", "abc1234", "2024-01-15T10:00:00Z")

	var buf bytes.Buffer
	slog.New(slog.NewJSONHandler(&buf, nil)).Info("starting", Attr())

	want := `"build":{"version":"1.2.3","commit":"abc1234","time":"2024-01-15T10:00:00Z"}`
	if !strings.Contains(buf.String(), want) {
		t.Errorf("log = %s, want %s", buf.String(), want)
	}
}

func TestDefaultValues(t *testing.T) {
	// These might be overwritten by ldflags in production builds
	if Version == "" {
		t.Error("Version should not be empty")
	}
	if Commit == "" {
		t.Error("Commit should not be empty")
	}
	if BuildTime == "" {
		t.Error("BuildTime should not be empty")
	}
}
