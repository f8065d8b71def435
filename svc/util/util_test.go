package util

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNanoIDShape(t *testing.T) {
	g := NewNanoID()
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id, err := g.Generate()
		if err != nil {
			t.Fatalf("Generate() error: %v", err)
		}
		if !ValidID(id) {
			t.Fatalf("generated id %q fails ValidID", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q within 1000 draws", id)
		}
		seen[id] = struct{}{}
	}
}

func TestValidID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"abcDEF12", true},
		{"a_b-c_d-", true},
		{"short", false},
		{"toolong12", false},
		{"abc/ef12", false},
		{"abc def1", false},
		{"abcdéf1", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidID(tt.id); got != tt.want {
			t.Errorf("ValidID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestRedactIP(t *testing.T) {
	if got := RedactIP("192.168.1.77:4312"); got != "192.168.1.0" {
		t.Errorf("RedactIP v4 = %s", got)
	}
	if got := RedactIP("2001:db8:85a3::8a2e:370:7334"); got != "2001:db8::" {
		t.Errorf("RedactIP v6 = %s", got)
	}
	if got := RedactIP("not-an-ip"); !strings.HasPrefix(got, "hash:") {
		t.Errorf("RedactIP garbage = %s", got)
	}
}

func TestRedactPasteContent(t *testing.T) {
	if RedactPasteContent("short secret") != "[REDACTED]" {
		t.Error("short content should be fully redacted")
	}
	long := strings.Repeat("x", 10) + "middle-secret-part" + strings.Repeat("y", 10)
	got := RedactPasteContent(long)
	if strings.Contains(got, "middle-secret-part") {
		t.Errorf("middle leaked: %s", got)
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx, id := WithNewRequestID(context.Background())
	if id == "" {
		t.Fatal("expected a generated id")
	}
	if got := GetRequestID(ctx); got != id {
		t.Errorf("GetRequestID = %q, want %q", got, id)
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID on bare context = %q, want empty", got)
	}
}

func TestLogFileIsJSONInDevMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pastebin.log")
	closer := InitLog(LogOptions{Level: "info", Dev: true, File: path})
	t.Cleanup(func() { InitLog(LogOptions{Level: "info"}) })

	Info().Str("id", "abcd1234").Msg("paste created")
	if err := closer.Close(); err != nil {
		t.Fatalf("close log file: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	defer f.Close()
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
		var entry map[string]any
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", sc.Text(), err)
		}
		if entry["message"] != "paste created" || entry["id"] != "abcd1234" {
			t.Errorf("unexpected entry %v", entry)
		}
	}
	if lines != 1 {
		t.Fatalf("got %d log lines, want 1", lines)
	}
}
