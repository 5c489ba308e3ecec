package inference

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInferCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"empty", nil, ""},
		{"server.tool", []string{"github.search", "q=x"}, "call"},
		{"subcommand", []string{"tools"}, ""},
		{"flag", []string{"--json"}, ""},
		{"leading dot", []string{".hidden"}, ""},
		{"trailing dot", []string{"server."}, ""},
		{"relative path", []string{"./script.js"}, ""},
		{"windows path", []string{`dir\file.py`}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, rest := InferCommand(tt.args)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.args, rest)
		})
	}
}

func TestSplitTarget(t *testing.T) {
	server, tool, ok := SplitTarget("fs.read.file")
	assert.True(t, ok)
	assert.Equal(t, "fs", server)
	assert.Equal(t, "read.file", tool)

	for _, bad := range []string{"fs", ".read", "fs.", ""} {
		_, _, ok := SplitTarget(bad)
		assert.False(t, ok, bad)
	}
}
