package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type trail struct{ events []string }

func (tr *trail) step(name string, failWith error, retriable bool) Step {
	return Step{
		Name: name,
		Execute: func(ctx context.Context) error {
			tr.events = append(tr.events, "exec:"+name)
			return failWith
		},
		Compensate: func(ctx context.Context) error {
			tr.events = append(tr.events, "undo:"+name)
			return nil
		},
		Retriable: retriable,
	}
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	t.Run("all steps succeed", func(t *testing.T) {
		tr := &trail{}
		exec, err := NewRunner(time.Second, zap.NewNop()).Run(ctx, "order", []Step{
			tr.step("a", nil, false),
			tr.step("b", nil, false),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"exec:a", "exec:b"}, tr.events)
		assert.Equal(t, []string{"a", "b"}, exec.Applied())
	})

	t.Run("failure unwinds in reverse including failed step", func(t *testing.T) {
		tr := &trail{}
		_, err := NewRunner(time.Second, zap.NewNop()).Run(ctx, "order", []Step{
			tr.step("a", nil, false),
			tr.step("b", nil, false),
			tr.step("c", boom, false),
			tr.step("d", nil, false),
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, boom))

		var serr *Error
		require.True(t, errors.As(err, &serr))
		assert.Equal(t, "c", serr.Step)
		assert.True(t, serr.Compensated)
		assert.Equal(t, []string{"exec:a", "exec:b", "exec:c", "undo:c", "undo:b", "undo:a"}, tr.events)
	})

	t.Run("retriable failure keeps applied steps", func(t *testing.T) {
		tr := &trail{}
		exec, err := NewRunner(time.Second, zap.NewNop()).Run(ctx, "order", []Step{
			tr.step("a", nil, false),
			tr.step("deliver", boom, true),
		})
		var serr *Error
		require.True(t, errors.As(err, &serr))
		assert.False(t, serr.Compensated)
		assert.Equal(t, []string{"exec:a", "exec:deliver"}, tr.events)
		assert.Equal(t, []string{"a"}, exec.Applied())

		require.NoError(t, exec.Compensate(ctx))
		assert.Equal(t, "undo:a", tr.events[len(tr.events)-1])
		assert.Empty(t, exec.Applied())

		require.NoError(t, exec.Compensate(ctx))
		assert.Len(t, tr.events, 3)
	})

	t.Run("compensation errors are joined and all attempted", func(t *testing.T) {
		tr := &trail{}
		undoErr := errors.New("undo failed")
		a := tr.step("a", nil, false)
		b := tr.step("b", nil, false)
		b.Compensate = func(context.Context) error { return undoErr }

		_, err := NewRunner(time.Second, zap.NewNop()).Run(ctx, "order", []Step{a, b, tr.step("c", boom, false)})
		var serr *Error
		require.True(t, errors.As(err, &serr))
		assert.False(t, serr.Compensated)
		assert.True(t, errors.Is(serr.CompensationErr, undoErr))
		assert.Contains(t, tr.events, "undo:a")
	})

	t.Run("cancelled context still compensates", func(t *testing.T) {
		tr := &trail{}
		cctx, cancel := context.WithCancel(ctx)
		first := tr.step("a", nil, false)
		first.Execute = func(context.Context) error {
			tr.events = append(tr.events, "exec:a")
			cancel()
			return nil
		}
		var compCtxErr error
		first.Compensate = func(c context.Context) error {
			compCtxErr = c.Err()
			tr.events = append(tr.events, "undo:a")
			return nil
		}

		_, err := NewRunner(time.Second, zap.NewNop()).Run(cctx, "order", []Step{first, tr.step("b", nil, false)})
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
		assert.NoError(t, compCtxErr)
		assert.Equal(t, []string{"exec:a", "undo:a"}, tr.events)
	})
}
