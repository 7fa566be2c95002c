package execution

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestRuneCarry(t *testing.T) {
	eAcute := []byte("é")
	euro := []byte("€")

	tests := []struct {
		scenario string
		given    [][]byte
		expected []string
	}{
		{
			scenario: "two byte rune split across chunks",
			given:    [][]byte{append([]byte("aaa"), eAcute[0]), append(eAcute[1:2:2], "tail"...)},
			expected: []string{"aaa", "étail"},
		},
		{
			scenario: "three byte rune split three ways",
			given:    [][]byte{euro[:1], euro[1:2], euro[2:]},
			expected: []string{"", "", "€"},
		},
		{
			scenario: "complete chunks pass through",
			given:    [][]byte{[]byte("héllo\n"), []byte("wörld\n")},
			expected: []string{"héllo\n", "wörld\n"},
		},
		{
			scenario: "invalid byte is not held back",
			given:    [][]byte{{'x', 0xff}},
			expected: []string{"x\xff"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.scenario, func(t *testing.T) {
			var carry runeCarry
			var got []string
			for _, chunk := range tt.given {
				got = append(got, carry.next(chunk))
			}
			assert.Equal(t, tt.expected, got)
			assert.Empty(t, carry.flush())
		})
	}
}

func TestRuneCarryFlushesIncompleteTail(t *testing.T) {
	var carry runeCarry
	assert.Equal(t, "ok", carry.next([]byte("ok\xe2\x82")))
	assert.Equal(t, "\xe2\x82", carry.flush())
	assert.Empty(t, carry.flush())
}

func TestRuneCarryKeepsLargeChunksValid(t *testing.T) {
	payload := strings.Repeat("a", 32*1024-1) + "é" + strings.Repeat("ü", 10)
	data := []byte(payload)

	var carry runeCarry
	var out strings.Builder
	for start := 0; start < len(data); start += 32 * 1024 {
		end := min(start+32*1024, len(data))
		text := carry.next(data[start:end])
		assert.True(t, utf8.ValidString(text))
		out.WriteString(text)
	}
	out.WriteString(carry.flush())
	assert.Equal(t, payload, out.String())
}
