package buildinfo

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func stamp(t *testing.T, version, commit, date string) {
	t.Helper()
	prev := [3]string{Version, Commit, Date}
	t.Cleanup(func() { Version, Commit, Date = prev[0], prev[1], prev[2] })
	Version, Commit, Date = version, commit, date
}

func TestInfoDefaults(t *testing.T) {
	if got := Info(); !strings.HasPrefix(got, "version=") || !strings.Contains(got, " commit=") {
		t.Fatalf("unexpected summary %q", got)
	}
}

func TestLogNamesService(t *testing.T) {
	stamp(t, "0.4.0", "9f2c1ab", "2026-03-14")
	if got := Info(); got != "version=0.4.0 commit=9f2c1ab date=2026-03-14" {
		t.Fatalf("unexpected summary %q", got)
	}

	var buf bytes.Buffer
	out, flags := log.Writer(), log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(out)
		log.SetFlags(flags)
	})

	Log("crossctx-gateway")
	line := strings.TrimSpace(buf.String())
	if !strings.HasPrefix(line, "[CROSSCTX-GATEWAY] starting") {
		t.Fatalf("unexpected prefix: %s", line)
	}
	if !strings.Contains(line, Info()) {
		t.Fatalf("expected build summary in %s", line)
	}
}
