package media

import (
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/webphone/pkg/signaling"
)

func loopback() net.IP {
	return net.ParseIP("127.0.0.1")
}

func TestStreamDiscoversTracks(t *testing.T) {
	a, err := NewStream("a", loopback(), nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewStream("b", loopback(), nil)
	require.NoError(t, err)
	defer b.Close()

	tracks := make(chan signaling.Track, 4)
	require.NoError(t, b.Start(Remote{Addr: a.LocalAddr(), Codec: PCMU}, func(tr signaling.Track) {
		tracks <- tr
	}))
	require.NoError(t, a.Start(Remote{Addr: b.LocalAddr(), Codec: PCMU}, nil))

	payload := make([]byte, 160)
	for i := 0; i < 3; i++ {
		require.NoError(t, a.WritePayload(payload, 160))
	}

	select {
	case tr := <-tracks:
		assert.Equal(t, "b", tr.StreamID)
		assert.Equal(t, "audio", tr.Kind)
		assert.Equal(t, uint8(0), tr.PayloadType)
	case <-time.After(2 * time.Second):
		t.Fatal("трек не обнаружен")
	}

	// один SSRC - один трек
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, b.Tracks(), 1)
	assert.Empty(t, tracks)
}

func TestStreamMute(t *testing.T) {
	a, err := NewStream("a", loopback(), nil)
	require.NoError(t, err)
	defer a.Close()

	sink, err := net.ListenUDP("udp", &net.UDPAddr{IP: loopback()})
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, a.Start(Remote{Addr: sink.LocalAddr().(*net.UDPAddr), Codec: PCMA}, nil))

	a.SetMuted(true)
	assert.True(t, a.Muted())
	require.NoError(t, a.WritePayload([]byte{1, 2, 3}, 160))

	a.SetMuted(false)
	require.NoError(t, a.WritePayload([]byte{4, 5, 6}, 160))

	require.NoError(t, sink.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, _, err := sink.ReadFromUDP(buf)
	require.NoError(t, err)

	pkt := &rtp.Packet{}
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	// первым приходит пакет после снятия mute
	assert.Equal(t, []byte{4, 5, 6}, pkt.Payload)
	assert.Equal(t, uint8(8), pkt.PayloadType)
	// timestamp продвигается и во время mute
	assert.Equal(t, uint32(160), pkt.Timestamp)
}

func TestStreamLifecycle(t *testing.T) {
	s, err := NewStream("s", loopback(), nil)
	require.NoError(t, err)

	assert.ErrorIs(t, s.WritePayload([]byte{0}, 160), ErrNotStarted)
	require.NoError(t, s.Start(Remote{Addr: s.LocalAddr(), Codec: PCMU}, nil))
	assert.ErrorIs(t, s.Start(Remote{Addr: s.LocalAddr(), Codec: PCMU}, nil), ErrAlreadyActive)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.WritePayload([]byte{0}, 160), ErrStreamClosed)
}
