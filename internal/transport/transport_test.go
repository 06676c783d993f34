package transport

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	messages := [][]byte{
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`),
		[]byte(`{"jsonrpc":"2.0","method":"textDocument/publishDiagnostics"}`),
		[]byte(`{}`),
	}
	for _, m := range messages {
		require.NoError(t, w.WriteMessage(m))
	}

	r := NewReader(&buf)
	for _, want := range messages {
		got, err := r.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := r.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderHandlesPartialReads(t *testing.T) {
	payload := `{"jsonrpc":"2.0","id":1}`
	frame := "Content-Length: " + strconv.Itoa(len(payload)) + "\r\n\r\n" + payload

	pr, pw := io.Pipe()
	go func() {
		for _, chunk := range splitIntoChunks(frame, 3) {
			_, _ = pw.Write([]byte(chunk))
		}
		pw.Close()
	}()

	r := NewReader(pr)
	got, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))
}

func TestReaderRejectsMissingContentLength(t *testing.T) {
	r := NewReader(strings.NewReader("Content-Type: application/json\r\n\r\n{}"))
	_, err := r.ReadMessage()
	var fe *FramingError
	require.ErrorAs(t, err, &fe)
}

func TestReaderRejectsOversizedLength(t *testing.T) {
	r := NewReader(strings.NewReader("Content-Length: 99999999999\r\n\r\n"))
	_, err := r.ReadMessage()
	var fe *FramingError
	require.ErrorAs(t, err, &fe)
}

func TestReaderRejectsMalformedHeaderLine(t *testing.T) {
	r := NewReader(strings.NewReader("not-a-header\r\n\r\n"))
	_, err := r.ReadMessage()
	var fe *FramingError
	require.ErrorAs(t, err, &fe)
}

func TestReaderRejectsPrematureEOF(t *testing.T) {
	r := NewReader(strings.NewReader("Content-Length: 10\r\n\r\n{\"a\":1}"))
	_, err := r.ReadMessage()
	var fe *FramingError
	require.ErrorAs(t, err, &fe)
}

func TestReaderZeroLengthMessage(t *testing.T) {
	r := NewReader(strings.NewReader("Content-Length: 0\r\n\r\n"))
	got, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReaderHeaderCaseAndWhitespaceTolerant(t *testing.T) {
	r := NewReader(strings.NewReader("content-length:   4  \r\n\r\n{\"a\"}"))
	got, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"a"}`[:4], string(got))
}

func TestWriterSerializesConcurrentWrites(t *testing.T) {
	var buf syncBuffer
	w := NewWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.WriteMessage([]byte(`{"jsonrpc":"2.0"}`))
		}()
	}
	wg.Wait()

	r := NewReader(bytes.NewReader(buf.Bytes()))
	count := 0
	for {
		_, err := r.ReadMessage()
		if err != nil {
			break
		}
		count++
	}
	assert.Equal(t, 20, count)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

func splitIntoChunks(s string, size int) []string {
	var chunks []string
	for len(s) > 0 {
		if len(s) < size {
			chunks = append(chunks, s)
			break
		}
		chunks = append(chunks, s[:size])
		s = s[size:]
	}
	return chunks
}
