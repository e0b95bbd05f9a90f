package transport

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// goExecutor runs every posted function on a fresh goroutine, the least
// ordered executor possible.
type goExecutor struct{ wg sync.WaitGroup }

func (e *goExecutor) Post(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func TestStrandNeverRunsInline(t *testing.T) {
	m := NewMemory()
	st := NewStrand(m, nil)

	ran := false
	st.Post(func() { ran = true })
	assert.False(t, ran)
	assert.Equal(t, 1, st.Len())

	m.RunUntilIdle()
	assert.True(t, ran)
	assert.Equal(t, 0, st.Len())
}

func TestStrandOrderUnderConcurrentExecutor(t *testing.T) {
	var exec goExecutor
	st := NewStrand(&exec, nil)

	const n = 500
	var (
		order    []int
		inFlight int
		overlap  bool
		wg       sync.WaitGroup
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		st.Post(func() {
			defer wg.Done()
			inFlight++
			if inFlight > 1 {
				overlap = true
			}
			order = append(order, i)
			inFlight--
		})
	}
	wg.Wait()
	exec.wg.Wait()

	assert.False(t, overlap)
	require.Len(t, order, n)
	for i := range order {
		require.Equal(t, i, order[i])
	}
}

func TestStrandPostFromHandlerRunsAfter(t *testing.T) {
	m := NewMemory()
	st := NewStrand(m, nil)

	var order []string
	st.Post(func() {
		order = append(order, "a")
		st.Post(func() { order = append(order, "c") })
	})
	st.Post(func() { order = append(order, "b") })
	m.RunUntilIdle()

	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestStrandWrap(t *testing.T) {
	m := NewMemory()
	st := NewStrand(m, nil)

	var got []error
	h := st.WrapHandler(func(err error) { got = append(got, err) })
	h(ErrTimeout)
	fn := st.Wrap(func() { got = append(got, nil) })
	fn()
	assert.Empty(t, got)

	m.RunUntilIdle()
	assert.Equal(t, []error{ErrTimeout, nil}, got)
}

func TestStrandSurvivesPanic(t *testing.T) {
	m := NewMemory()
	st := NewStrand(m, nil)

	ran := false
	st.Post(func() { panic("handler bug") })
	st.Post(func() { ran = true })
	st.Post(nil)
	m.RunUntilIdle()
	assert.True(t, ran)
}
