package gateway

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCombinedDepth(t *testing.T) {
	raw := []byte(`{
		"stream":"btcusdt@depth@100ms",
		"data":{
		  "e":"depthUpdate","E":1709294400000,"s":"BTCUSDT","U":100,"u":105,
		  "b":[["50000.10","1.2"],["49999.90","0"]],
		  "a":[["50000.20","1.1"]]
		}
	}`)
	msg, err := ParseFeedMessage(raw)
	require.NoError(t, err)
	require.NotNil(t, msg.Depth)
	assert.Nil(t, msg.Top)

	d := msg.Depth
	assert.Equal(t, "BTCUSDT", d.Symbol)
	assert.Equal(t, uint64(100), d.SequenceLow)
	assert.Equal(t, uint64(105), d.SequenceHigh)
	require.Len(t, d.Bids, 2)
	assert.Equal(t, "50000.1", d.Bids[0].Price.String())
	assert.True(t, d.Bids[1].Quantity.IsZero())
	assert.Equal(t, int64(1709294400000), d.Ts.UnixMilli())
	assert.False(t, d.Snapshot)
}

func TestParsePartialDepthIsSnapshot(t *testing.T) {
	raw := []byte(`{
		"stream":"btcusdt@depth20@100ms",
		"data":{"e":"depthUpdate","E":1709294400000,"s":"BTCUSDT","U":200,"u":210,"pu":199,
		  "b":[["50000.10","1.2"]],"a":[["50000.20","1.1"]]}
	}`)
	msg, err := ParseFeedMessage(raw)
	require.NoError(t, err)
	require.NotNil(t, msg.Depth)
	assert.True(t, msg.Depth.Snapshot)
	assert.Equal(t, uint64(210), msg.Depth.SequenceHigh)

	spot := []byte(`{"lastUpdateId":160,"bids":[["0.0024","10"]],"asks":[["0.0026","100"]]}`)
	msg, err = ParseFeedMessage(spot)
	require.NoError(t, err)
	require.NotNil(t, msg.Depth)
	assert.True(t, msg.Depth.Snapshot)
	assert.Equal(t, uint64(160), msg.Depth.SequenceHigh)
	assert.Equal(t, "0.0026", msg.Depth.Asks[0].Price.String())
}

func TestParseMarkPrice(t *testing.T) {
	raw := []byte(`{"stream":"btcusdt@markPrice@1s","data":{"e":"markPriceUpdate","E":1709294400000,"s":"BTCUSDT","p":"50010.5","i":"50008.2","r":"0.0001"}}`)
	msg, err := ParseFeedMessage(raw)
	require.NoError(t, err)
	require.NotNil(t, msg.Mark)
	assert.Nil(t, msg.Depth)
	assert.Equal(t, "50010.5", msg.Mark.Price.String())
	assert.Equal(t, "50008.2", msg.Mark.Index.String())
	assert.Equal(t, int64(1709294400000), msg.Mark.Ts.UnixMilli())
}

func TestParseBookTicker(t *testing.T) {
	raw := []byte(`{"e":"bookTicker","u":400900217,"E":1709294400000,"s":"BTCUSDT","b":"50000.1","B":"2.5","a":"50000.2","A":"1.5"}`)
	msg, err := ParseFeedMessage(raw)
	require.NoError(t, err)
	require.NotNil(t, msg.Top)
	assert.Equal(t, uint64(400900217), msg.Top.Sequence)
	assert.Equal(t, "2.5", msg.Top.Bid.Quantity.String())
	assert.Equal(t, "50000.2", msg.Top.Ask.Price.String())
}

func TestParseFeedMessageErrors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		unknown bool
	}{
		{name: "not json", raw: `{`},
		{name: "bad price", raw: `{"e":"depthUpdate","U":1,"u":2,"b":[["x","1"]],"a":[]}`},
		{name: "bad ticker qty", raw: `{"e":"bookTicker","u":1,"b":"1","B":"?","a":"2","A":"1"}`},
		{name: "bad mark price", raw: `{"e":"markPriceUpdate","p":"abc"}`},
		{name: "trade stream", raw: `{"e":"aggTrade","p":"1"}`, unknown: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFeedMessage([]byte(tt.raw))
			require.Error(t, err)
			assert.Equal(t, tt.unknown, errors.Is(err, ErrUnknownStream))
		})
	}
}
