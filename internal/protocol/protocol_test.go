package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateAvailableWireFormat(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	b, err := UpdateAvailable("v3", at).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"UPDATE_AVAILABLE","data":{"timestamp":1700000000123,"version":"v3"}}`, string(b))
}

func TestControlMessagesHaveNoData(t *testing.T) {
	b, err := SkipWaiting().Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"SKIP_WAITING"}`, string(b))

	b, err = RefreshPage().Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"REFRESH_PAGE"}`, string(b))
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Message
		wantErr error
	}{
		{
			name: "skip waiting",
			in:   `{"type":"SKIP_WAITING"}`,
			want: SkipWaiting(),
		},
		{
			name: "update with version",
			in:   `{"type":"UPDATE_AVAILABLE","data":{"timestamp":5,"version":"v9"}}`,
			want: Message{Type: TypeUpdateAvailable, Data: &UpdateData{Timestamp: 5, Version: "v9"}},
		},
		{
			name:    "update without data",
			in:      `{"type":"UPDATE_AVAILABLE"}`,
			wantErr: ErrMissingData,
		},
		{
			name:    "unknown type",
			in:      `{"type":"RELOAD"}`,
			wantErr: ErrUnknownType,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.in))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.Version(), got.Version())
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	assert.Error(t, err)
}
