package group

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	id   string
	fail bool

	mu   sync.Mutex
	msgs [][]byte
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Deliver(msg []byte) error {
	if r.fail {
		return errors.New("outbound buffer full")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, append([]byte(nil), msg...))
	return nil
}

func (r *recorder) received() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestJoinIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	m := &recorder{id: "a"}

	reg.Join("contractors", m)
	reg.Join("contractors", m)

	assert.Equal(t, []string{"a"}, reg.Members("contractors"))
	assert.Equal(t, 1, reg.Send(context.Background(), "contractors", []byte("hi")))
	assert.Equal(t, 1, m.received())
}

func TestSendReachesOnlyGroupMembers(t *testing.T) {
	reg := NewRegistry()
	a, b, c := &recorder{id: "a"}, &recorder{id: "b"}, &recorder{id: "c"}
	reg.Join("d1", a)
	reg.Join("d1", b)
	reg.Join("d2", c)

	n := reg.Send(context.Background(), "d1", []byte(`{"type":"echo.message"}`))

	assert.Equal(t, 2, n)
	assert.Equal(t, 1, a.received())
	assert.Equal(t, 1, b.received())
	assert.Zero(t, c.received())
}

func TestSendToUnknownGroupIsNoop(t *testing.T) {
	reg := NewRegistry()
	assert.Zero(t, reg.Send(context.Background(), "nobody", []byte("x")))
	assert.Empty(t, reg.Groups())
}

func TestFailedMemberIsSkipped(t *testing.T) {
	reg := NewRegistry()
	slow, ok := &recorder{id: "slow", fail: true}, &recorder{id: "ok"}
	reg.Join("d1", slow)
	reg.Join("d1", ok)

	n := reg.Send(context.Background(), "d1", []byte("x"))

	assert.Equal(t, 1, n)
	assert.Equal(t, 1, ok.received())
}

func TestLeaveRemovesEmptyGroup(t *testing.T) {
	reg := NewRegistry()
	a, b := &recorder{id: "a"}, &recorder{id: "b"}
	reg.Join("d1", a)
	reg.Join("d1", b)

	reg.Leave("d1", "a")
	assert.Equal(t, []string{"b"}, reg.Members("d1"))

	reg.Leave("d1", "a")
	reg.Leave("d1", "b")
	reg.Leave("missing", "b")
	assert.Empty(t, reg.Groups())
	assert.Zero(t, reg.Send(context.Background(), "d1", []byte("x")))
	assert.Zero(t, a.received())
}

func TestConcurrentJoinLeaveSend(t *testing.T) {
	reg := NewRegistry()
	stable := &recorder{id: "stable"}
	reg.Join("pool", stable)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := &recorder{id: fmt.Sprintf("m-%d", i)}
			for j := 0; j < 50; j++ {
				reg.Join("pool", m)
				reg.Send(context.Background(), "pool", []byte("tick"))
				reg.Leave("pool", m.id)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, []string{"stable"}, reg.Members("pool"))
	assert.Equal(t, 32*50, stable.received())
}
