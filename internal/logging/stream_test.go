package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestRingBufferWraps(t *testing.T) {
	rb := NewRingBuffer(3)
	for i, msg := range []string{"a", "b", "c", "d", "e"} {
		rb.Add(LogEntry{Time: time.Unix(int64(i), 0), Level: "INFO", Message: msg})
	}

	got := rb.GetRecent(0, Filter{})
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	for i, want := range []string{"c", "d", "e"} {
		if got[i].Message != want {
			t.Errorf("entry %d = %s, want %s", i, got[i].Message, want)
		}
	}

	last := rb.GetRecent(2, Filter{})
	if len(last) != 2 || last[0].Message != "d" || last[1].Message != "e" {
		t.Errorf("unexpected recent entries %+v", last)
	}
}

func TestGetRecentFilters(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Add(LogEntry{Level: "DEBUG", Message: "noise", Component: "engine"})
	rb.Add(LogEntry{Level: "WARN", Message: "slow", Component: "engine"})
	rb.Add(LogEntry{Level: "ERROR", Message: "down", Component: "api"})

	warn := rb.GetRecent(0, Filter{Level: "warn"})
	if len(warn) != 2 {
		t.Errorf("expected 2 entries at warn and above, got %d", len(warn))
	}

	engine := rb.GetRecent(0, Filter{Component: "engine"})
	if len(engine) != 2 || engine[0].Message != "noise" || engine[1].Message != "slow" {
		t.Errorf("unexpected component filter result %+v", engine)
	}

	all := rb.GetRecent(0, Filter{})
	if len(all) != 3 || all[0].Level != "DEBUG" {
		t.Errorf("zero filter should keep every entry, got %+v", all)
	}
}

func TestStreamHandler(t *testing.T) {
	var out bytes.Buffer
	rb := NewRingBuffer(10)
	logger := slog.New(NewStreamHandler(rb, slog.NewJSONHandler(&out, nil), slog.LevelInfo))

	sub := rb.Subscribe()
	defer rb.Unsubscribe(sub)

	logger.With("component", "tracker").WithGroup("track").Info("Track confirmed", "id", 7)
	logger.Debug("dropped")

	if rb.Len() != 1 {
		t.Fatalf("expected 1 buffered entry, got %d", rb.Len())
	}
	e := rb.GetRecent(1, Filter{})[0]
	if e.Component != "tracker" || e.Message != "Track confirmed" {
		t.Errorf("unexpected entry %+v", e)
	}
	if e.Attrs["track.id"] != int64(7) {
		t.Errorf("expected grouped attr, got %v", e.Attrs)
	}
	if !strings.Contains(out.String(), `"msg":"Track confirmed"`) {
		t.Errorf("record not passed on: %s", out.String())
	}

	select {
	case got := <-sub:
		if got.Message != "Track confirmed" {
			t.Errorf("unexpected streamed entry %+v", got)
		}
	default:
		t.Error("subscriber did not receive the entry")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
