package transport

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPendingResolveDeliversOnce(t *testing.T) {
	p := NewPendingTable()
	ch := p.Add(1)

	require.True(t, p.Resolve(1, Reply{Result: json.RawMessage(`{"ok":true}`)}))
	require.False(t, p.Resolve(1, Reply{}))

	r := <-ch
	require.NoError(t, r.Err)
	require.JSONEq(t, `{"ok":true}`, string(r.Result))
	require.Equal(t, 0, p.Len())
}

func TestPendingFailAllFailsEveryWaiterExactlyOnce(t *testing.T) {
	p := NewPendingTable()
	chans := make([]<-chan Reply, 0, 5)
	for id := int64(1); id <= 5; id++ {
		chans = append(chans, p.Add(id))
	}
	boom := errors.New("gone")

	require.Equal(t, 5, p.FailAll(boom))
	require.Equal(t, 0, p.Len())
	require.Equal(t, 0, p.FailAll(boom))

	for _, ch := range chans {
		r := <-ch
		require.ErrorIs(t, r.Err, boom)
		select {
		case extra := <-ch:
			t.Fatalf("second reply delivered: %+v", extra)
		default:
		}
	}
}

func TestPendingRemoveDropsWaiter(t *testing.T) {
	p := NewPendingTable()
	p.Add(7)
	p.Remove(7)
	require.False(t, p.Resolve(7, Reply{}))
	require.Equal(t, 0, p.Len())
}
