package actor

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailbox_FIFO(t *testing.T) {
	m := newMailbox()

	for _, k := range []turnKind{turnCall, turnTick, turnCall} {
		require.True(t, m.Enqueue(turn{kind: k}))
	}

	var got []turnKind
	for {
		tr, ok := m.TryDequeue()
		if !ok {
			break
		}
		got = append(got, tr.kind)
	}
	assert.Equal(t, []turnKind{turnCall, turnTick, turnCall}, got)
}

func TestMailbox_TryDequeue_Empty(t *testing.T) {
	m := newMailbox()
	_, ok := m.TryDequeue()
	assert.False(t, ok)
}

func TestMailbox_CloseWith(t *testing.T) {
	m := newMailbox()
	require.True(t, m.Enqueue(turn{kind: turnTick}))
	require.True(t, m.CloseWith(turn{kind: turnStop}))

	assert.True(t, m.Closed())
	assert.False(t, m.Enqueue(turn{kind: turnCall}), "enqueue after close must fail")
	assert.False(t, m.CloseWith(turn{kind: turnStop}), "second close must fail")

	// Queued turns survive the close; the stop turn is last.
	first, ok := m.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, turnTick, first.kind)
	last, ok := m.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, turnStop, last.kind)
	_, ok = m.TryDequeue()
	assert.False(t, ok)
}

func TestMailbox_WaitClosedAfterClose(t *testing.T) {
	m := newMailbox()
	m.CloseWith(turn{kind: turnStop})

	// A closed channel never blocks.
	for i := 0; i < 3; i++ {
		<-m.Wait()
	}
}

func TestMailbox_Len(t *testing.T) {
	m := newMailbox()
	assert.Equal(t, 0, m.Len())

	m.Enqueue(turn{kind: turnCall})
	m.Enqueue(turn{kind: turnCall})
	assert.Equal(t, 2, m.Len())

	m.TryDequeue()
	assert.Equal(t, 1, m.Len())
}

func TestMailbox_ConcurrentProducers(t *testing.T) {
	m := newMailbox()
	const producers = 10
	const perProducer = 100

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				m.Enqueue(turn{kind: turnTick})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, producers*perProducer, m.Len())
}
