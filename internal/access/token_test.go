package access

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidTokenFormat(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{"empty", "", false},
		{"seven chars", "abcdefg", false},
		{"eight chars", "abcdefgh", true},
		{"sixty-four chars", strings.Repeat("a", 64), true},
		{"sixty-five chars", strings.Repeat("a", 65), false},
		{"oversized input", strings.Repeat("a", 100000), false},
		{"digits and dots", "DEMO8765.4321", true},
		{"mixed case", "DeMo87654321", true},
		{"space", "DEMO 87654321", false},
		{"slash", "DEMO/8765432", false},
		{"dot dot", "prhqafqf.zzt", true},
		{"unicode", "DEMO8765432é", false},
		{"hyphen", "DEMO-8765432", false},
		{"null byte", "DEMO8765\x004321", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidTokenFormat(tt.token))
		})
	}
}
