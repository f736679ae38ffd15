package pop3

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/migadu/trove/store"
)

func testMessages() []store.Message {
	return []store.Message{
		{UID: 4, Size: 100},
		{UID: 7, Size: 200},
		{UID: 9, Size: 300},
	}
}

// Deleted messages are skipped but the rest keep their original numbers.
func TestListResponsePreservesMessageNumbers(t *testing.T) {
	tests := []struct {
		name     string
		deleted  map[int]bool
		expected []string
	}{
		{"no deletions", map[int]bool{}, []string{"1 100", "2 200", "3 300"}},
		{"middle message deleted", map[int]bool{1: true}, []string{"1 100", "3 300"}},
		{"first message deleted", map[int]bool{0: true}, []string{"2 200", "3 300"}},
		{"all deleted", map[int]bool{0: true, 1: true, 2: true}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildListResponseLines(testMessages(), tt.deleted)
			if len(got) != len(tt.expected) {
				t.Fatalf("got %d lines %q, want %q", len(got), got, tt.expected)
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("line %d = %q, want %q", i, got[i], tt.expected[i])
				}
			}
		})
	}
}

func TestUIDLResponseUsesUIDValidityAndUID(t *testing.T) {
	got := buildUIDLResponseLines(testMessages(), map[int]bool{0: true}, 1700000000)
	expected := []string{"2 1700000000.7", "3 1700000000.9"}
	if len(got) != len(expected) {
		t.Fatalf("got %q, want %q", got, expected)
	}
	for i := range got {
		if got[i] != expected[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], expected[i])
		}
	}
}

func TestVisibleStats(t *testing.T) {
	count, size := visibleStats(testMessages(), map[int]bool{1: true})
	if count != 2 || size != 400 {
		t.Errorf("visibleStats = (%d, %d), want (2, 400)", count, size)
	}
	count, size = visibleStats(nil, nil)
	if count != 0 || size != 0 {
		t.Errorf("visibleStats(empty) = (%d, %d)", count, size)
	}
}

func TestTopOfMessage(t *testing.T) {
	raw := []byte("Subject: hi\r\nFrom: a@example.com\r\n\r\nline 1\r\nline 2\r\nline 3\r\n")
	tests := []struct {
		name  string
		lines int
		want  string
	}{
		{"headers only", 0, "Subject: hi\r\nFrom: a@example.com\r\n\r\n"},
		{"two lines", 2, "Subject: hi\r\nFrom: a@example.com\r\n\r\nline 1\r\nline 2\r\n"},
		{"more than available", 10, string(raw)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(topOfMessage(raw, tt.lines)); got != tt.want {
				t.Errorf("topOfMessage(%d) = %q, want %q", tt.lines, got, tt.want)
			}
		})
	}

	headerOnly := []byte("Subject: no body")
	if got := string(topOfMessage(headerOnly, 3)); got != "Subject: no body" {
		t.Errorf("topOfMessage(no separator) = %q", got)
	}
}

func TestWriteMultilineDotStuffing(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"no dots", "Line 1\r\nLine 2\r\n", "Line 1\r\nLine 2\r\n.\r\n"},
		{"dot at start of line", ".Line 1\r\nLine 2\r\n.Line 3\r\n", "..Line 1\r\nLine 2\r\n..Line 3\r\n.\r\n"},
		{"terminator in body", "Line 1\r\n.\r\nLine 2\r\n", "Line 1\r\n..\r\nLine 2\r\n.\r\n"},
		{"missing final CRLF", "Line 1", "Line 1\r\n.\r\n"},
		{"dot in middle", "a . b\r\n", "a . b\r\n.\r\n"},
		{"empty", "", ".\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := bufio.NewWriter(&buf)
			if err := writeMultiline(w, []byte(tt.input)); err != nil {
				t.Fatal(err)
			}
			if got := buf.String(); got != tt.expected {
				t.Errorf("writeMultiline(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func BenchmarkWriteMultiline(b *testing.B) {
	var body bytes.Buffer
	for i := 0; i < 100; i++ {
		if i%10 == 0 {
			body.WriteString(".Line with dot at start\r\n")
		} else {
			body.WriteString("Regular line without dot at start\r\n")
		}
	}
	w := bufio.NewWriter(&bytes.Buffer{})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		writeMultiline(w, body.Bytes())
	}
}
