package process

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLineBuffer_Ring(t *testing.T) {
	b := NewLineBuffer(3)
	assert.Empty(t, b.Tail(0))
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		b.Add(s)
	}
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []string{"c", "d", "e"}, b.Tail(0))
	assert.Equal(t, []string{"d", "e"}, b.Tail(2))
	assert.Equal(t, []string{"c", "d", "e"}, b.Tail(10))
}

func TestLineWriter_SplitsAndTrims(t *testing.T) {
	var got []string
	w := &lineWriter{emit: func(s string) { got = append(got, s) }}
	_, _ = w.Write([]byte("one\r\ntw"))
	_, _ = w.Write([]byte("o\n\n   \nthree"))
	assert.Equal(t, []string{"one", "two"}, got)
	w.Flush()
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestLineWriter_FlushesLongLines(t *testing.T) {
	var got []string
	w := &lineWriter{emit: func(s string) { got = append(got, s) }}
	_, _ = w.Write([]byte(strings.Repeat("x", 70*1024)))
	assert.Len(t, got, 1)
}
