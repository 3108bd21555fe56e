package stats

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAreMonotonic(t *testing.T) {
	m := New()
	m.RecordRequest("a.test", "1.2.3.4")
	m.RecordRequest("a.test", "1.2.3.4")
	m.RecordCached()
	m.RecordBlocked()
	m.RecordError()
	m.RecordBytes("a.test", 10, 20)

	data, err := m.JSON()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))

	assert.EqualValues(t, 2, doc["total_requests"])
	assert.EqualValues(t, 1, doc["cached_requests"])
	assert.EqualValues(t, 1, doc["blocked_requests"])
	assert.EqualValues(t, 1, doc["errors"])
	assert.EqualValues(t, 10, doc["bytes_sent"])
	assert.EqualValues(t, 20, doc["bytes_received"])
}

func TestResetZeroesCounters(t *testing.T) {
	m := New()
	m.RecordRequest("a.test", "1.2.3.4")
	m.Reset()

	data, err := m.JSON()
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.EqualValues(t, 0, doc["total_requests"])
}

func TestTopHostsSortedByRequestsThenInsertionOrder(t *testing.T) {
	m := New()
	m.RecordRequest("b.test", "1.1.1.1")
	m.RecordRequest("a.test", "1.1.1.1")
	m.RecordRequest("a.test", "1.1.1.1")
	m.RecordRequest("c.test", "1.1.1.1") // tie with b.test at 1, but inserted later

	out := m.TopHosts(2)
	assert.Contains(t, out, "a.test requests=2")
	// b.test was inserted before c.test, both have 1 request: b.test must
	// appear first among the tie, so it survives the top-2 truncation.
	assert.Contains(t, out, "b.test requests=1")
	assert.NotContains(t, out, "c.test")
}

func TestNoopSinkNeverPanics(t *testing.T) {
	var s Sink = Noop{}
	s.RecordRequest("a", "b")
	s.RecordCached()
	s.RecordBlocked()
	s.RecordError()
	s.RecordBytes("a", 1, 2)
	s.RecordTime("a", 5)
	s.Reset()
	assert.Equal(t, "", s.TopHosts(1))
	data, err := s.JSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), "not enabled")
}
