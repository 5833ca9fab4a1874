package server

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationTable_CompleteDeliversValue(t *testing.T) {
	table := NewCorrelationTable()

	slot := table.Install("req-1")
	ok := table.TryComplete("req-1", json.RawMessage(`{"status":"success"}`))
	require.True(t, ok)

	reply := <-slot
	assert.JSONEq(t, `{"status":"success"}`, string(reply))
	assert.Equal(t, 0, table.Len())
}

func TestCorrelationTable_CompleteIsOneShot(t *testing.T) {
	table := NewCorrelationTable()

	table.Install("req-1")
	assert.True(t, table.TryComplete("req-1", json.RawMessage(`1`)))
	assert.False(t, table.TryComplete("req-1", json.RawMessage(`2`)))
}

func TestCorrelationTable_CompleteUnknownID(t *testing.T) {
	table := NewCorrelationTable()
	assert.False(t, table.TryComplete("never-installed", json.RawMessage(`{}`)))
}

func TestCorrelationTable_RemoveDiscardsLateReply(t *testing.T) {
	table := NewCorrelationTable()

	table.Install("req-1")
	table.Remove("req-1")

	assert.False(t, table.TryComplete("req-1", json.RawMessage(`{}`)))
	assert.Equal(t, 0, table.Len())

	// Remove after complete is a no-op too.
	table.Remove("req-1")
}

func TestCorrelationTable_ConcurrentCompletersExactlyOneWins(t *testing.T) {
	table := NewCorrelationTable()
	slot := table.Install("req-1")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if table.TryComplete("req-1", json.RawMessage(`{}`)) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	<-slot
}
