package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closingPayload struct {
	AuctionID    string    `msgpack:"auctionId"`
	DispatchID   string    `msgpack:"dispatchId"`
	DispatchedAt time.Time `msgpack:"dispatchedAt"`
	Channels     []string  `msgpack:"channels"`
}

func TestCodec_RoundTrip(t *testing.T) {
	want := closingPayload{
		AuctionID:    "0191f7a4-0000-7000-8000-000000000001",
		DispatchID:   "d-1",
		DispatchedAt: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		Channels:     []string{"user:1", "auction:1"},
	}

	message, err := DefaultParseToMessage(want)
	require.NoError(t, err)
	require.Contains(t, message, DataField)

	got, err := DefaultParseFromMessage[closingPayload](message)
	require.NoError(t, err)
	assert.Equal(t, want.AuctionID, got.AuctionID)
	assert.Equal(t, want.DispatchID, got.DispatchID)
	assert.True(t, want.DispatchedAt.Equal(got.DispatchedAt))
	assert.Equal(t, want.Channels, got.Channels)

	// redis 有時會以 []byte 回傳欄位
	got, err = DefaultParseFromMessage[closingPayload](map[string]any{DataField: []byte(message[DataField].(string))})
	require.NoError(t, err)
	assert.Equal(t, want.AuctionID, got.AuctionID)
}

func TestCodec_Errors(t *testing.T) {
	tests := []struct {
		name    string
		message map[string]any
		wantErr error
	}{
		{
			name:    "missing field",
			message: map[string]any{},
			wantErr: ErrMissingField,
		},
		{
			name:    "wrong type",
			message: map[string]any{DataField: 42},
			wantErr: ErrMissingField,
		},
		{
			name:    "invalid base64",
			message: map[string]any{DataField: "%%%"},
		},
		{
			name:    "invalid msgpack",
			message: map[string]any{DataField: "/w=="},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DefaultParseFromMessage[closingPayload](tt.message)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestCodec_PointerType(t *testing.T) {
	_, err := DefaultParseToMessage(&closingPayload{})
	assert.ErrorIs(t, err, ErrPointerType)

	_, err = DefaultParseFromMessage[*closingPayload](map[string]any{DataField: ""})
	assert.ErrorIs(t, err, ErrPointerType)
}
