package reactor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopRunsInSubmissionOrder(t *testing.T) {
	l := NewLoop("test")
	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	l.Close()
	<-l.Done()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoopSubmitAfterClose(t *testing.T) {
	l := NewLoop("test")
	l.Close()
	l.Close()
	assert.False(t, l.Submit(func() { t.Error("ran after close") }))
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit")
	}
}

func TestLoopCloseFromCallback(t *testing.T) {
	l := NewLoop("test")
	ran := make(chan struct{})
	l.Submit(func() { l.Close(); close(ran) })
	<-ran
	<-l.Done()
}

func TestLoopSurvivesPanic(t *testing.T) {
	l := NewLoop("test")
	defer l.Close()
	l.Submit(func() { panic("boom") })
	done := make(chan struct{})
	l.Submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop stopped after panic")
	}
}
