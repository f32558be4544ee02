package backup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureGet(t *testing.T) {
	f := Go(func() (int, error) { return 42, nil })

	v, err := f.Get()
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	select {
	case <-f.Done():
	default:
		t.Fatal("Done must be closed once the result is available")
	}
}

func TestFutureError(t *testing.T) {
	boom := errors.New("boom")
	f := Go(func() (string, error) { return "", boom })

	_, err := f.Await(context.Background())
	assert.Same(t, boom, err)
}

func TestFutureAwaitCanceled(t *testing.T) {
	release := make(chan struct{})
	f := Go(func() (int, error) {
		<-release
		return 7, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	v, err := f.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, v)

	close(release)
	v, err = f.Get()
	require.NoError(t, err)
	assert.Equal(t, 7, v, "the work keeps running after the caller gives up")
}
