package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanThinking(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "  answer  ", "answer"},
		{"think tag", "<think>let me see\nmore</think>\n\nanswer", "answer"},
		{"case insensitive", "<THINKING >x</THINKING>yes", "yes"},
		{"several tags", "<analysis>a</analysis>one<reflect>b</reflect> two", "one two"},
		{"html comment", "a<!-- hidden\n -->b", "ab"},
		{"chinese marker", "【思考】先想想\n【结论】相同", "【结论】相同"},
		{"markdown heading", "**思考过程** blah\n**答案** 是", "**答案** 是"},
		{"blank lines", "a\n\n\n\nb\n  \n  \n\nc", "a\n\nb\n\nc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanThinking(tt.in))
		})
	}
}
