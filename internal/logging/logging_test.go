package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNewRespectsDebug(t *testing.T) {
	var buf bytes.Buffer
	New(false, &buf).Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug record written without --debug: %s", buf.String())
	}
	New(true, &buf).Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("debug record missing: %s", buf.String())
	}
}

func TestFail(t *testing.T) {
	var buf bytes.Buffer
	Fail(context.Background(), New(false, &buf), "command failed", errors.New("no such run"))
	out := buf.String()
	for _, want := range []string{"level=ERROR", "command failed", "no such run"} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q: %s", want, out)
		}
	}

	// a nil logger is allowed
	Fail(context.Background(), nil, "ignored", errors.New("x"))
}
