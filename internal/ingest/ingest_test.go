package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verte-zerg/rigtrace/internal/device"
	"github.com/verte-zerg/rigtrace/internal/model"
)

const sampleLine = "1.5,0.01,0.02,0.03,0.1,0.2,0.3,50.2"

type fakeStream struct {
	mu      sync.Mutex
	chunks  [][]byte
	written bytes.Buffer
	closed  bool
	failAt  int
	reads   int
}

func newFakeStream(chunks ...string) *fakeStream {
	s := &fakeStream{failAt: -1}
	for _, c := range chunks {
		s.chunks = append(s.chunks, []byte(c))
	}
	return s
}

func (s *fakeStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.failAt >= 0 && s.reads > s.failAt {
		return 0, errors.New("port vanished")
	}
	if len(s.chunks) == 0 {
		s.mu.Unlock()
		time.Sleep(time.Millisecond)
		s.mu.Lock()
		return 0, nil
	}
	n := copy(p, s.chunks[0])
	s.chunks[0] = s.chunks[0][n:]
	if len(s.chunks[0]) == 0 {
		s.chunks = s.chunks[1:]
	}
	return n, nil
}

func (s *fakeStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.Write(p)
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks) == 0
}

type memSink struct {
	mu      sync.Mutex
	header  []string
	records []model.SensorRecord
}

func (m *memSink) WriteHeader(fields []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.header = append([]string(nil), fields...)
	return nil
}

func (m *memSink) Append(rec model.SensorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func quietLogger() (*logrus.Entry, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(logger), hook
}

func runUntilDrained(t *testing.T, in *Ingestor, stream *fakeStream, sink Sink) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx, sink) }()
	require.Eventually(t, stream.drained, time.Second, time.Millisecond)
	// One more poll so the last chunk is fully processed.
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		return err
	case <-time.After(time.Second):
		t.Fatal("ingestor did not stop")
		return nil
	}
}

func TestParseLine(t *testing.T) {
	schema := model.Schema{Fields: model.DefaultFields}

	values, err := ParseLine([]byte(sampleLine+"\r\n"), schema)
	require.NoError(t, err)
	require.Len(t, values, 8)
	assert.Equal(t, 1.5, values[0])
	assert.Equal(t, 50.2, values[7])

	values, err = ParseLine([]byte(sampleLine+",99"), schema)
	require.NoError(t, err)
	assert.Len(t, values, 8)

	cases := map[string]struct {
		raw    []byte
		reason Reason
	}{
		"empty":       {[]byte("\r\n"), ReasonEmpty},
		"short":       {[]byte("bad,line"), ReasonFieldCount},
		"not numeric": {[]byte("1.5,x,0.02,0.03,0.1,0.2,0.3,50.2"), ReasonNotNumeric},
		"encoding":    {[]byte{0xff, 0xfe, ',', '1'}, ReasonEncoding},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseLine(tc.raw, schema)
			var perr *ParseError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tc.reason, perr.Reason)
		})
	}
}

func TestParseLineZeroSchemaTakesWidth(t *testing.T) {
	values, err := ParseLine([]byte("1,2,3"), model.Schema{})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, values)

	_, err = ParseLine([]byte("1,a,3"), model.Schema{})
	assert.Error(t, err)
}

func TestInferSchema(t *testing.T) {
	assert.Equal(t, []string{"f1", "f2", "f3"}, InferSchema(3).Fields)
}

func TestRunAcceptsValidAndDropsInvalid(t *testing.T) {
	stream := newFakeStream(sampleLine+"\r\n", "bad,line\r\n", "\r\n")
	log, _ := quietLogger()
	in := New(stream, "sim", Options{Schema: model.Schema{Fields: model.DefaultFields}}, log)
	sink := &memSink{}

	require.NoError(t, runUntilDrained(t, in, stream, sink))

	require.Equal(t, 1, sink.count())
	assert.Equal(t, 1.5, sink.records[0].Values[0])
	assert.Equal(t, model.DefaultFields, sink.header)

	stats := in.Stats()
	assert.Equal(t, 1, stats.Accepted)
	assert.Equal(t, 1, stats.Discarded[ReasonFieldCount])
	assert.Equal(t, 1, stats.DiscardedTotal())
}

func TestRunReassemblesSplitLines(t *testing.T) {
	stream := newFakeStream("1.5,0.01,0.02,", "0.03,0.1,0.2,0.3,50.2\n2.5,0", ".01,0.02,0.03,0.1,0.2,0.3,50.2\n")
	log, _ := quietLogger()
	in := New(stream, "sim", Options{Schema: model.Schema{Fields: model.DefaultFields}}, log)
	sink := &memSink{}

	require.NoError(t, runUntilDrained(t, in, stream, sink))
	require.Equal(t, 2, sink.count())
	assert.Equal(t, 2.5, sink.records[1].Values[0])
	assert.Equal(t, 0.01, sink.records[1].Values[1])
}

func TestRunDropsUndecodableBytes(t *testing.T) {
	stream := newFakeStream(string([]byte{0xff, 0x00, '\n'}), sampleLine+"\n")
	log, _ := quietLogger()
	in := New(stream, "sim", Options{Schema: model.Schema{Fields: model.DefaultFields}}, log)
	sink := &memSink{}

	require.NoError(t, runUntilDrained(t, in, stream, sink))
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, 1, in.Stats().Discarded[ReasonEncoding])
}

func TestRunSendsMarkersAndCloses(t *testing.T) {
	stream := newFakeStream(sampleLine + "\n")
	log, _ := quietLogger()
	in := New(stream, "sim", Options{Schema: model.Schema{Fields: model.DefaultFields}}, log)

	require.NoError(t, runUntilDrained(t, in, stream, &memSink{}))
	assert.Equal(t, "se", stream.written.String())
	assert.True(t, stream.closed)
}

func TestRunCancelledDuringResetSkipsMarkers(t *testing.T) {
	stream := newFakeStream(sampleLine + "\n")
	log, _ := quietLogger()
	in := New(stream, "sim", Options{
		Schema:     model.Schema{Fields: model.DefaultFields},
		ResetWait:  time.Hour,
		SettleWait: time.Hour,
	}, log)
	sink := &memSink{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx, sink) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel during reset wait")
	}
	stream.mu.Lock()
	defer stream.mu.Unlock()
	assert.Empty(t, stream.written.String())
	assert.True(t, stream.closed)
	assert.Zero(t, sink.count())
}

func TestRunInfersSchema(t *testing.T) {
	stream := newFakeStream("x,y\n", "1,2,3\n", "4,5\n", "6,7,8,9\n")
	log, _ := quietLogger()
	in := New(stream, "sim", Options{}, log)
	sink := &memSink{}

	require.NoError(t, runUntilDrained(t, in, stream, sink))
	assert.Equal(t, []string{"f1", "f2", "f3"}, sink.header)
	require.Equal(t, 2, sink.count())
	assert.Equal(t, []float64{6, 7, 8}, sink.records[1].Values)
	assert.Equal(t, 3, in.Schema().Len())
}

func TestRunNeverAppendsAfterCancel(t *testing.T) {
	stream := newFakeStream(sampleLine + "\n")
	log, _ := quietLogger()
	ctx, cancel := context.WithCancel(context.Background())
	in := New(stream, "sim", Options{
		Schema: model.Schema{Fields: model.DefaultFields},
		Now: func() time.Time {
			cancel()
			return time.Now()
		},
	}, log)
	sink := &memSink{}

	require.NoError(t, in.Run(ctx, sink))
	assert.Zero(t, sink.count())
	assert.Zero(t, in.Stats().Accepted)
}

func TestRunReportsDeviceFault(t *testing.T) {
	stream := newFakeStream(sampleLine + "\n")
	stream.failAt = 1
	log, _ := quietLogger()
	in := New(stream, "sim", Options{Schema: model.Schema{Fields: model.DefaultFields}}, log)
	sink := &memSink{}

	err := in.Run(context.Background(), sink)
	var fault *device.DeviceFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, 1, sink.count())
	assert.True(t, stream.closed)
}

func TestRunWarnsOnCorruption(t *testing.T) {
	stream := newFakeStream(sampleLine+"\n", "bad\n", "bad\n")
	log, hook := quietLogger()
	in := New(stream, "sim", Options{
		Schema:              model.Schema{Fields: model.DefaultFields},
		CorruptionWarnRatio: 0.5,
	}, log)

	require.NoError(t, runUntilDrained(t, in, stream, &memSink{}))

	var warned bool
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Message == "sensor corruption rate above threshold" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestOpenWrapsConnectionError(t *testing.T) {
	log, _ := quietLogger()
	opener := func(port string, baud int) (device.ByteStream, error) {
		return nil, io.ErrUnexpectedEOF
	}
	_, err := Open(opener, "/dev/ttyACM0", 115200, Options{}, log)
	var connErr *device.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "/dev/ttyACM0", connErr.Addr)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
