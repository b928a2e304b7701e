package stream

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-streams/internal/infra/transport"
)

func frame(s string) transport.Frame { return transport.Frame{Data: []byte(s)} }

func TestFrameQueueDropsOldest(t *testing.T) {
	q := newFrameQueue(3)
	for _, s := range []string{"a", "b", "c"} {
		require.False(t, q.push(frame(s)))
	}
	require.True(t, q.push(frame("d")))
	require.True(t, q.push(frame("e")))
	require.Equal(t, 3, q.len())
	require.Equal(t, uint64(2), q.droppedCount())

	var got []string
	for _, f := range q.drain(nil) {
		got = append(got, string(f.Data))
	}
	require.Equal(t, []string{"c", "d", "e"}, got)
	require.Zero(t, q.len())
}

func TestFrameQueueNotifyCoalesces(t *testing.T) {
	q := newFrameQueue(8)
	q.push(frame("a"))
	q.push(frame("b"))
	require.Len(t, q.notify, 1)

	<-q.notify
	require.Len(t, q.drain(nil), 2)
	require.Empty(t, q.drain(nil))
}
