package textx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripControl(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain text untouched", in: "momentum looks strong", want: "momentum looks strong"},
		{name: "control bytes dropped", in: "he\x00llo\x01 wor\x7fld", want: "hello world"},
		{name: "tab newline cr kept", in: "a\tb\nc\rd", want: "a\tb\nc\rd"},
		{name: "surrounding space trimmed", in: "  padded  ", want: "padded"},
		{name: "escape sequences stripped", in: "\x1b[31mred\x1b[0m", want: "[31mred[0m"},
		{name: "empty", in: "", want: ""},
		{name: "only controls", in: "\x00\x01\x02", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripControl(tt.in))
		})
	}
}
