package policy

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueue(t *testing.T) {
	tests := []struct {
		name     string
		testFunc func(t *testing.T)
	}{
		{
			name: "runs tasks in posting order",
			testFunc: func(t *testing.T) {
				q := NewEventQueue("test", 128)
				var mu sync.Mutex
				var got []int
				for i := 0; i < 100; i++ {
					i := i
					require.True(t, q.Post(func() {
						mu.Lock()
						got = append(got, i)
						mu.Unlock()
					}))
				}
				q.Shutdown(true)
				require.Len(t, got, 100)
				for i, v := range got {
					assert.Equal(t, i, v)
				}
				assert.Equal(t, int64(100), q.GetStats()["tasks_processed"])
			},
		},
		{
			name: "drops when full",
			testFunc: func(t *testing.T) {
				q := NewEventQueue("full", 1)
				block := make(chan struct{})
				started := make(chan struct{})
				require.True(t, q.Post(func() {
					close(started)
					<-block
				}))
				<-started
				assert.True(t, q.Post(func() {}))
				assert.False(t, q.Post(func() {}))
				assert.Equal(t, int64(1), q.GetStats()["tasks_dropped"])
				close(block)
				q.Shutdown(true)
			},
		},
		{
			name: "post after shutdown is refused",
			testFunc: func(t *testing.T) {
				q := NewEventQueue("closed", 4)
				q.Shutdown(false)
				assert.False(t, q.Post(func() {}))
				q.Shutdown(true)
			},
		},
		{
			name: "panicking task does not stop the worker",
			testFunc: func(t *testing.T) {
				q := NewEventQueue("panic", 4)
				defer q.Shutdown(false)
				done := make(chan struct{})
				require.True(t, q.Post(func() { panic("boom") }))
				require.True(t, q.Post(func() { close(done) }))
				select {
				case <-done:
				case <-time.After(time.Second):
					t.Fatal("worker stopped after panic")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.testFunc)
	}
}
