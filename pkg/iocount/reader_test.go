package iocount

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderCounts(t *testing.T) {
	r := NewReader(strings.NewReader("0123456789"))
	assert.Equal(t, int64(0), r.Count())

	buf := make([]byte, 4)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, int64(4), r.Count())

	_, err = io.Copy(io.Discard, r)
	require.NoError(t, err)
	assert.Equal(t, int64(10), r.Count())
}

func TestWriterCounts(t *testing.T) {
	var sink bytes.Buffer
	w := NewWriter(&sink)

	n, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, int64(5), w.Count())
	assert.Equal(t, "hello", sink.String())
}
