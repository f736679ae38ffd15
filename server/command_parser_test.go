package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantCmd  string
		wantArgs []string
		wantErr  bool
	}{
		{name: "empty line", line: ""},
		{name: "verb only", line: "noop", wantCmd: "NOOP"},
		{name: "atoms", line: "TOP 1 10", wantCmd: "TOP", wantArgs: []string{"1", "10"}},
		{name: "extra spaces", line: "  LIST   2  ", wantCmd: "LIST", wantArgs: []string{"2"}},
		{name: "quoted", line: `USER "john doe"`, wantCmd: "USER", wantArgs: []string{`"john doe"`}},
		{name: "escaped quote", line: `PASS "a\"b" x`, wantCmd: "PASS", wantArgs: []string{`"a\"b"`, "x"}},
		{name: "unclosed", line: `USER "john`, wantCmd: "USER", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, args, err := ParseLine(tt.line)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCmd, cmd)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestUnquoteString(t *testing.T) {
	assert.Equal(t, "plain", UnquoteString("plain"))
	assert.Equal(t, "john doe", UnquoteString(`"john doe"`))
	assert.Equal(t, `a"b\c`, UnquoteString(`"a\"b\\c"`))
	assert.Equal(t, `"`, UnquoteString(`"`))
}
