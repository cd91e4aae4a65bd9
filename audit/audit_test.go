package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btc-scalper/decision"
	"btc-scalper/risk"
)

func sampleRecord(id string) Record {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	d := decision.Fallback("req-"+id, 5*time.Second, "timeout")
	return Record{
		CycleID:         id,
		Timestamp:       ts,
		Symbol:          "BTCUSDT",
		Outcome:         OutcomeHold,
		Request:         &decision.Request{ID: "req-" + id},
		Decision:        &d,
		DecisionFailure: "timeout",
		Veto: &risk.Veto{DecisionID: "req-" + id, Timestamp: ts, Checks: []risk.CheckResult{
			{Name: risk.CheckSpread, Passed: false, Reason: "spread too wide", Observed: math.Inf(1), Limit: 10, Timestamp: ts},
		}},
	}
}

func TestRecordJSONCarriesVeto(t *testing.T) {
	raw, err := sampleRecord("c1").JSON()
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "c1", got["cycleId"])
	assert.Equal(t, "HOLD", got["outcome"])
	assert.Equal(t, false, got["actionTaken"])
	veto := got["veto"].(map[string]interface{})
	assert.Equal(t, true, veto["vetoed"])
	assert.Equal(t, []interface{}{risk.CheckSpread}, veto["failedChecks"])
	dec := got["decision"].(map[string]interface{})
	assert.Equal(t, "HOLD", dec["action"])
	assert.Equal(t, 0.0, dec["confidence"])
}

func TestFileWriterAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.log")
	w, err := NewFileWriter(path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, w.Write(ctx, sampleRecord("c1")))
	require.NoError(t, w.Write(ctx, sampleRecord("c2")))
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line struct {
			Msg    string `json:"msg"`
			Record Record `json:"record"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		assert.Equal(t, "audit", line.Msg)
		ids = append(ids, line.Record.CycleID)
	}
	assert.Equal(t, []string{"c1", "c2"}, ids)
}

type fakeStream struct {
	args []*redis.XAddArgs
	err  error
}

func (f *fakeStream) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	return redis.NewStringResult("1-0", nil)
}

func TestRedisStreamWriter(t *testing.T) {
	fs := &fakeStream{}
	w := NewRedisStreamWriter(fs, "", 0)
	require.NoError(t, w.Write(context.Background(), sampleRecord("c9")))
	require.Len(t, fs.args, 1)
	a := fs.args[0]
	assert.Equal(t, "scalper:audit", a.Stream)
	assert.True(t, a.Approx)
	assert.Equal(t, int64(100000), a.MaxLen)
	values := a.Values.(map[string]interface{})
	assert.Equal(t, "c9", values["cycleId"])

	fs.err = errors.New("READONLY")
	assert.Error(t, w.Write(context.Background(), sampleRecord("c10")))
	assert.NoError(t, w.Close())
}

type failingWriter struct{ n int }

func (f *failingWriter) Write(context.Context, Record) error {
	f.n++
	return errors.New("disk full")
}
func (f *failingWriter) Close() error { return nil }

func TestMultiWriterContinuesPastFailure(t *testing.T) {
	bad := &failingWriter{}
	ring := NewRing(4)
	m := NewMultiWriter(bad, nil, ring)
	err := m.Write(context.Background(), sampleRecord("c1"))
	assert.Error(t, err)
	assert.Equal(t, 1, bad.n)
	assert.Equal(t, uint64(1), ring.Total())
	assert.NoError(t, m.Close())
}

func TestRingKeepsMostRecent(t *testing.T) {
	r := NewRing(3)
	ctx := context.Background()
	assert.Empty(t, r.Recent(10))
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, r.Write(ctx, Record{CycleID: id}))
	}
	got := r.Recent(0)
	require.Len(t, got, 3)
	assert.Equal(t, "e", got[0].CycleID)
	assert.Equal(t, "c", got[2].CycleID)
	assert.Len(t, r.Recent(2), 2)
	assert.Equal(t, uint64(5), r.Total())
}
