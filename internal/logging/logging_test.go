package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/thaitype/serverless-rate-limiter/internal/config"
)

func restoreStd(t *testing.T) {
	t.Helper()
	level := log.GetLevel()
	formatter := log.StandardLogger().Formatter
	out := log.StandardLogger().Out
	t.Cleanup(func() {
		log.SetLevel(level)
		log.SetFormatter(formatter)
		log.SetOutput(out)
	})
}

func TestSetup_JSON(t *testing.T) {
	restoreStd(t)
	var buf bytes.Buffer
	if err := Setup(config.LogConfig{Level: "debug", Format: "json"}, &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	log.WithField("event", "rule-fired").Debug("fired")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if entry["event"] != "rule-fired" || entry["level"] != "debug" {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestSetup_TextFiltersBelowLevel(t *testing.T) {
	restoreStd(t)
	var buf bytes.Buffer
	if err := Setup(config.LogConfig{Level: "warn", Format: "text"}, &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	log.Info("hidden")
	log.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("level filtering wrong; got:\n%s", out)
	}
}

func TestSetup_Errors(t *testing.T) {
	restoreStd(t)
	if err := Setup(config.LogConfig{Level: "loud"}, &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown level")
	}
	if err := Setup(config.LogConfig{Level: "info", Format: "xml"}, &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestParseLevel_EmptyIsInfo(t *testing.T) {
	level, err := ParseLevel("")
	if err != nil || level != log.InfoLevel {
		t.Errorf("ParseLevel(\"\") = %v, %v", level, err)
	}
}
