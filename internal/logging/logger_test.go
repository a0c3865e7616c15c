package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "WARN", "json")
	if log.GetLevel() != logrus.WarnLevel {
		t.Errorf("level = %v", log.GetLevel())
	}
	log.Info("hidden")
	log.WithField("host", "example.com").Warn("shown")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not one JSON entry: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "shown" || entry["host"] != "example.com" {
		t.Errorf("entry = %v", entry)
	}

	buf.Reset()
	log = New(&buf, "verbose", "")
	if log.GetLevel() != logrus.InfoLevel {
		t.Errorf("fallback level = %v", log.GetLevel())
	}
	log.Info("plain")
	if !strings.Contains(buf.String(), "msg=plain") {
		t.Errorf("text output = %q", buf.String())
	}
}
