package rtc

import (
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicecall/internal/core"
)

// feed is a PacketReader driven by the test.
type feed struct {
	pkts chan *rtp.Packet
	err  error
}

func newFeed() *feed { return &feed{pkts: make(chan *rtp.Packet)} }

func (f *feed) read() (*rtp.Packet, error) {
	p, ok := <-f.pkts
	if !ok {
		if f.err != nil {
			return nil, f.err
		}
		return nil, io.EOF
	}
	return p, nil
}

func (f *feed) send(n int) {
	for i := range n {
		f.pkts <- &rtp.Packet{Header: rtp.Header{SequenceNumber: uint16(i)}}
	}
}

func waitDone(t *testing.T, tr *RemoteTrack) {
	t.Helper()
	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("relay loop did not exit")
	}
}

func TestRemoteTrackForwardsToSinks(t *testing.T) {
	f := newFeed()
	tr := NewRemoteTrack("a1", core.TrackKindAudio, "audio/opus", f.read, nil)

	ps1, err := tr.Attach()
	require.NoError(t, err)
	ps2, err := tr.Attach()
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Sinks())

	var ended atomic.Int32
	go tr.loop(func() { ended.Add(1) })
	f.send(3)
	require.Eventually(t, func() bool { return ps2.(*Sink).Packets() == 3 }, time.Second, time.Millisecond)
	tr.Detach(ps2)
	f.send(2)
	close(f.pkts)
	waitDone(t, tr)

	assert.Equal(t, 5, ps1.(*Sink).Packets())
	assert.Equal(t, 3, ps2.(*Sink).Packets())
	assert.Equal(t, int32(1), ended.Load())
}

func TestRemoteTrackEndEndsSinks(t *testing.T) {
	f := newFeed()
	tr := NewRemoteTrack("a1", core.TrackKindAudio, "audio/opus", f.read, nil)
	ps, err := tr.Attach()
	require.NoError(t, err)

	fired := make(chan struct{})
	ps.OnEnded(func() { close(fired) })

	go tr.loop(nil)
	close(f.pkts)
	waitDone(t, tr)

	select {
	case <-fired:
	default:
		t.Fatal("sink not ended")
	}
	_, err = tr.Attach()
	assert.ErrorIs(t, err, ErrTrackEnded)
}

func TestRemoteTrackStopSuppressesEnd(t *testing.T) {
	f := newFeed()
	tr := NewRemoteTrack("a1", core.TrackKindAudio, "audio/opus", f.read, nil)
	ps, err := tr.Attach()
	require.NoError(t, err)

	var fired, ended atomic.Int32
	ps.OnEnded(func() { fired.Add(1) })

	go tr.loop(func() { ended.Add(1) })
	tr.stop()
	close(f.pkts)
	waitDone(t, tr)

	assert.Zero(t, fired.Load())
	assert.Zero(t, ended.Load())
}

func TestRemoteTrackDropsFailingSink(t *testing.T) {
	f := newFeed()
	bad := &recordingWriter{writeErr: errors.New("broken pipe")}
	tr := NewRemoteTrack("a1", core.TrackKindAudio, "audio/opus", f.read,
		func(string, string) (PacketWriter, error) { return bad, nil })

	_, err := tr.Attach()
	require.NoError(t, err)

	go tr.loop(nil)
	f.send(2)
	close(f.pkts)
	waitDone(t, tr)

	assert.Equal(t, 1, bad.pkts)
	assert.Zero(t, tr.Sinks())
}

func TestRemoteTrackRecorderError(t *testing.T) {
	tr := NewRemoteTrack("a1", core.TrackKindAudio, "audio/opus", newFeed().read,
		func(string, string) (PacketWriter, error) { return nil, errors.New("no space") })
	_, err := tr.Attach()
	require.Error(t, err)
	assert.Zero(t, tr.Sinks())
}

func TestRemoteTrackDetachForeignSink(t *testing.T) {
	tr := NewRemoteTrack("a1", core.TrackKindAudio, "audio/opus", newFeed().read, nil)
	_, err := tr.Attach()
	require.NoError(t, err)
	tr.Detach(nil)
	tr.Detach(newSink(nil))
	assert.Equal(t, 1, tr.Sinks())
}
