package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func resetLoggingState() {
	Shutdown()

	mu.Lock()
	defer mu.Unlock()

	stderr = os.Stderr
	baseLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	log.Logger = baseLogger
	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func readJSONLine(t *testing.T, data string) map[string]interface{} {
	t.Helper()

	line := strings.TrimSpace(data)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if line == "" {
		t.Fatalf("expected log output, got empty string")
	}

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("failed to unmarshal log line %q: %v", line, err)
	}
	return event
}

func TestInitJSONFormatSetsLevelAndComponent(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	stderr = &buf

	logger := Init(Config{Format: "json", Level: "debug", Component: "podstore"})
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("global level = %s, want debug", zerolog.GlobalLevel())
	}

	logger.Debug().Str("state", "interested").Msg("transition")
	event := readJSONLine(t, buf.String())
	if event["component"] != "podstore" {
		t.Fatalf("component = %v, want podstore", event["component"])
	}
	if event["state"] != "interested" {
		t.Fatalf("state = %v, want interested", event["state"])
	}
}

func TestForAddsSubsystem(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	stderr = &buf
	Init(Config{Format: "json", Level: "info"})

	l := For("ledger")
	l.Info().Msg("opened")
	event := readJSONLine(t, buf.String())
	if event["subsystem"] != "ledger" {
		t.Fatalf("subsystem = %v, want ledger", event["subsystem"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"INFO":     zerolog.InfoLevel,
		"debug":    zerolog.DebugLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
		"bogus":    zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestInitWritesToFile(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	stderr = &buf
	path := filepath.Join(t.TempDir(), "logs", "podstore.log")

	logger := Init(Config{Format: "json", Level: "info", FilePath: path})
	logger.Info().Msg("hello file")
	Shutdown()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	event := readJSONLine(t, string(data))
	if event["message"] != "hello file" {
		t.Fatalf("message = %v", event["message"])
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat log file: %v", err)
	}
	if info.Mode().Perm() != logFilePerm {
		t.Fatalf("log file perm = %o, want %o", info.Mode().Perm(), logFilePerm)
	}
}

func TestOpenLogFileRejectsDirectory(t *testing.T) {
	dir := t.TempDir()
	if _, err := openLogFile(dir); err == nil {
		t.Fatal("expected error for directory path")
	}
}
