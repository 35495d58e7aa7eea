package util_test

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/downfa11-org/go-journal/util"
)

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	util.SetOutput(&buf)
	defer util.SetOutput(os.Stderr)
	defer util.SetLevel(util.LogLevelInfo)

	util.SetLevel(util.LogLevelWarn)
	util.Info("hidden %d", 1)
	util.Warn("shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden 1") {
		t.Errorf("info line should be filtered at warn level: %q", out)
	}
	if !strings.Contains(out, "shown 2") {
		t.Errorf("warn line missing from output: %q", out)
	}

	util.SetLevel(util.LogLevelDebug)
	util.Debug("debug %s", "visible")
	if !strings.Contains(buf.String(), "debug visible") {
		t.Errorf("debug line missing after lowering level: %q", buf.String())
	}
}
