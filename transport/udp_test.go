package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/ttclient/limits"
)

func TestMediaConnRoundTrip(t *testing.T) {
	server, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	m, err := DialUDP(ctx, server.LocalAddr().String(), 0)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Write([]byte{0x01, 2, 3}))

	buf := make([]byte, 64)
	require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, from, err := server.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 2, 3}, buf[:n])

	_, err = server.WriteTo([]byte{0x02, 9}, from)
	require.NoError(t, err)

	n, err = m.Read(buf, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 9}, buf[:n])
}

func TestMediaConnReadTimeout(t *testing.T) {
	server, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	m, err := DialUDP(context.Background(), server.LocalAddr().String(), 0)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Read(make([]byte, 16), 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))

	require.NoError(t, m.Close())
	_, err = m.Read(make([]byte, 16), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMediaConnMaxPayload(t *testing.T) {
	server, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	m, err := DialUDP(context.Background(), server.LocalAddr().String(), 0)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, limits.MaxMediaPacket, m.MaxPayload())

	m.SetMaxPayload(8)
	assert.ErrorIs(t, m.Write(make([]byte, 9)), limits.ErrMessageTooLarge)
	assert.NoError(t, m.Write(make([]byte, 8)))

	m.SetMaxPayload(0)
	assert.Equal(t, limits.MaxMediaPacket, m.MaxPayload())
	assert.ErrorIs(t, m.Write(nil), limits.ErrMessageEmpty)
}
