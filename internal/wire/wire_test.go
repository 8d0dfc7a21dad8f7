package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adred-codev/controlplane/internal/model"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	hb := model.Heartbeat{ID: "app-1", Status: "ok", Timestamp: time.Now().UTC().Truncate(time.Second), AppType: "service"}

	data, err := Encode(hb)
	require.NoError(t, err)

	got, err := Decode[model.Heartbeat](data)
	require.NoError(t, err)
	require.Equal(t, hb, got)
}

func TestDecodeMalformedFrame(t *testing.T) {
	_, err := Decode[model.Heartbeat]([]byte{0x00, 0x01})
	require.Error(t, err)
}

func TestEncodeDecodeCommand(t *testing.T) {
	cmd := model.Command{
		CommandID:  "c1",
		Type:       "ping",
		Parameters: map[string]string{"responseChannel": "responses:conn-1:nonce"},
		Timestamp:  time.Now().UTC().Truncate(time.Second),
	}
	data, err := Encode(cmd)
	require.NoError(t, err)

	got, err := Decode[model.Command](data)
	require.NoError(t, err)
	require.Equal(t, cmd, got)
	require.Equal(t, "responses:conn-1:nonce", got.ResponseChannel())
}
