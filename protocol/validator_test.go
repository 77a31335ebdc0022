package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookflow/models"
)

const pair = "BTC-USD"

func TestParseSubscriptionAck(t *testing.T) {
	raw := []byte(`{"type":"subscriptions","channels":[{"name":"level2_50","product_ids":["BTC-USD"],"account_ids":null}]}`)

	ack, err := ParseSubscriptionAck(raw, pair)
	require.NoError(t, err)
	require.Len(t, ack.Channels, 1)
	assert.Equal(t, models.ChannelLevel2, ack.Channels[0].Name)
	assert.Equal(t, []string{pair}, ack.Channels[0].ProductIDs)
	assert.Nil(t, ack.Channels[0].AccountIDs)
}

func TestParseSubscriptionAckRejections(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"malformed json", `{"type":`},
		{"wrong type", `{"type":"snapshot","channels":[{"name":"level2_50","product_ids":["BTC-USD"]}]}`},
		{"missing channels", `{"type":"subscriptions"}`},
		{"wrong channel", `{"type":"subscriptions","channels":[{"name":"ticker","product_ids":["BTC-USD"]}]}`},
		{"wrong product", `{"type":"subscriptions","channels":[{"name":"level2_50","product_ids":["ETH-USD"]}]}`},
		{"extra product", `{"type":"subscriptions","channels":[{"name":"level2_50","product_ids":["BTC-USD","ETH-USD"]}]}`},
		{"empty products", `{"type":"subscriptions","channels":[{"name":"level2_50","product_ids":[]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSubscriptionAck([]byte(tt.raw), pair)
			require.Error(t, err)
			assert.True(t, IsValidation(err), "expected a validation error, got %v", err)
		})
	}
}

func TestParseSnapshot(t *testing.T) {
	raw := []byte(`{"type":"snapshot","product_id":"BTC-USD","bids":[["100.5","1.2"],["100","0"]],"asks":[["101","3"]]}`)

	snap, err := ParseSnapshot(raw, pair)
	require.NoError(t, err)
	assert.Equal(t, pair, snap.ProductID)
	require.Len(t, snap.Bids, 2)
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, "100.5", snap.Bids[0].Price.String())
	assert.Equal(t, "1.2", snap.Bids[0].Size.String())
	// zero sizes are valid on the wire, the book drops them on load
	assert.True(t, snap.Bids[1].Size.IsZero())
}

func TestParseSnapshotRejections(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"wrong type", `{"type":"l2update","product_id":"BTC-USD","bids":[["100","1"]],"asks":[["101","1"]]}`},
		{"wrong product", `{"type":"snapshot","product_id":"ETH-USD","bids":[["100","1"]],"asks":[["101","1"]]}`},
		{"missing product", `{"type":"snapshot","bids":[["100","1"]],"asks":[["101","1"]]}`},
		{"empty bids", `{"type":"snapshot","product_id":"BTC-USD","bids":[],"asks":[["101","1"]]}`},
		{"short level", `{"type":"snapshot","product_id":"BTC-USD","bids":[["100"]],"asks":[["101","1"]]}`},
		{"non-numeric price", `{"type":"snapshot","product_id":"BTC-USD","bids":[["abc","1"]],"asks":[["101","1"]]}`},
		{"negative price", `{"type":"snapshot","product_id":"BTC-USD","bids":[["-100","1"]],"asks":[["101","1"]]}`},
		{"negative size", `{"type":"snapshot","product_id":"BTC-USD","bids":[["100","-1"]],"asks":[["101","1"]]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSnapshot([]byte(tt.raw), pair)
			require.Error(t, err)
			assert.True(t, IsValidation(err), "expected a validation error, got %v", err)
		})
	}
}

func TestParseDelta(t *testing.T) {
	raw := []byte(`{"type":"l2update","product_id":"BTC-USD","changes":[["buy","100.5","2"],["sell","101","0"]]}`)

	delta, err := ParseDelta(raw, pair)
	require.NoError(t, err)
	require.Len(t, delta.Changes, 2)

	assert.Equal(t, models.SideBuy, delta.Changes[0].Side)
	assert.Equal(t, "100.5", delta.Changes[0].Price.String())
	assert.Equal(t, "2", delta.Changes[0].Size.String())

	assert.Equal(t, models.SideSell, delta.Changes[1].Side)
	assert.True(t, delta.Changes[1].Size.IsZero())
}

func TestParseDeltaPreservesChangeOrder(t *testing.T) {
	raw := []byte(`{"type":"l2update","product_id":"BTC-USD","changes":[["buy","100","1"],["buy","100","0"],["buy","100","3"]]}`)

	delta, err := ParseDelta(raw, pair)
	require.NoError(t, err)
	require.Len(t, delta.Changes, 3)
	assert.Equal(t, "1", delta.Changes[0].Size.String())
	assert.True(t, delta.Changes[1].Size.IsZero())
	assert.Equal(t, "3", delta.Changes[2].Size.String())
}

func TestParseDeltaRejections(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"wrong type", `{"type":"snapshot","product_id":"BTC-USD","changes":[["buy","100","1"]]}`},
		{"wrong product", `{"type":"l2update","product_id":"ETH-USD","changes":[["buy","100","1"]]}`},
		{"empty changes", `{"type":"l2update","product_id":"BTC-USD","changes":[]}`},
		{"short change", `{"type":"l2update","product_id":"BTC-USD","changes":[["buy","100"]]}`},
		{"long change", `{"type":"l2update","product_id":"BTC-USD","changes":[["buy","100","1","x"]]}`},
		{"bad side", `{"type":"l2update","product_id":"BTC-USD","changes":[["hold","100","1"]]}`},
		{"non-numeric size", `{"type":"l2update","product_id":"BTC-USD","changes":[["buy","100","abc"]]}`},
		{"empty price", `{"type":"l2update","product_id":"BTC-USD","changes":[["buy","","1"]]}`},
		{"zero price", `{"type":"l2update","product_id":"BTC-USD","changes":[["buy","0","1"]]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDelta([]byte(tt.raw), pair)
			require.Error(t, err)
			assert.True(t, IsValidation(err), "expected a validation error, got %v", err)
		})
	}
}

func TestValidateSubscribeRequestRoundTrip(t *testing.T) {
	raw := []byte(`{"type":"subscribe","channels":[{"name":"level2_50","product_ids":["BTC-USD"]}]}`)

	req, err := ValidateSubscribeRequest(raw, pair)
	require.NoError(t, err)
	assert.Equal(t, models.MessageTypeSubscribe, req.Type)

	_, err = ValidateSubscribeRequest(raw, "ETH-USD")
	require.Error(t, err)

	var mismatch *SubscriptionMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "ETH-USD", mismatch.Want)
	assert.Equal(t, pair, mismatch.Got)
}
