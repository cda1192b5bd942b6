package async_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/multisock/multisock/libs/async"
)

func TestRunner(t *testing.T) {
	t.Run("executes callbacks in order", func(t *testing.T) {
		var results []int
		r := async.NewRunner(10, nil)

		for i := 0; i < 5; i++ {
			i := i
			r.Enqueue(func() { results = append(results, i) })
		}
		r.Stop()
		r.Wait()

		require.Equal(t, []int{0, 1, 2, 3, 4}, results)
	})

	t.Run("drains accepted callbacks on stop", func(t *testing.T) {
		var count int
		r := async.NewRunner(10, nil)

		for i := 0; i < 5; i++ {
			r.Enqueue(func() { count++ })
		}
		r.Stop()
		r.Wait()

		require.Equal(t, 5, count, "all accepted callbacks should execute")
	})

	t.Run("handles panic without crashing", func(t *testing.T) {
		var executed bool
		var panicCaught bool
		r := async.NewRunner(10, func(rec any, stack []byte) {
			panicCaught = true
		})

		r.Enqueue(func() { panic("test panic") })
		r.Enqueue(func() { executed = true })

		r.Stop()
		r.Wait()
		require.True(t, executed, "callback after panic should still execute")
		require.True(t, panicCaught, "panic should be caught")
	})

	t.Run("enqueue returns false after stop", func(t *testing.T) {
		r := async.NewRunner(1, nil)
		r.Stop()
		r.Wait()

		ok := r.Enqueue(func() {})
		require.False(t, ok, "Enqueue should return false after Stop")
	})

	t.Run("stop from within a callback does not deadlock", func(t *testing.T) {
		r := async.NewRunner(1, nil)
		r.Enqueue(func() { r.Stop() })

		done := make(chan struct{})
		go func() {
			r.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("worker did not exit after Stop from a callback")
		}
	})
}
