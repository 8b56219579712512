package console

import (
	"strings"
	"testing"

	"openenterprise/wasmcore/appreg"
)

func TestAppLineFormatsNameVersionStateCrashes(t *testing.T) {
	e := appreg.AppEntry{Name: "blink", Version: "1.2.0", State: appreg.Running, CrashCount: 2}
	line := appLine(e)
	for _, want := range []string{"blink", "v1.2.0", "[running]", "crashes=2"} {
		if !strings.Contains(line, want) {
			t.Fatalf("appLine(%+v) = %q, missing %q", e, line, want)
		}
	}
}

func TestAuthenticateRejectsWhenNoPasswordConfigured(t *testing.T) {
	t.Setenv("WASMOS_CONSOLE_PASSWORD", "")
	s := New(2323)
	if s.authenticate(nil) {
		t.Fatal("expected authenticate to reject when no console password is configured")
	}
}
