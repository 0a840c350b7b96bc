package securefetch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCancelRegistryTrackAndRelease(t *testing.T) {
	r := newCancelRegistry()

	ctx, release := r.track(context.Background())
	assert.Equal(t, 1, r.outstanding())
	assert.NoError(t, ctx.Err())

	release()
	release()
	assert.Zero(t, r.outstanding())
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestCancelRegistryCancelAll(t *testing.T) {
	r := newCancelRegistry()

	var ctxs []context.Context
	var releases []func()
	for i := 0; i < 3; i++ {
		ctx, release := r.track(context.Background())
		ctxs = append(ctxs, ctx)
		releases = append(releases, release)
	}

	assert.Equal(t, 3, r.cancelAll())
	assert.Zero(t, r.outstanding())
	for _, ctx := range ctxs {
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	}

	// Releasing after cancelAll is harmless.
	for _, release := range releases {
		release()
	}
	assert.Zero(t, r.cancelAll())
}

func TestCancelRegistryFollowsParent(t *testing.T) {
	r := newCancelRegistry()
	parent, cancel := context.WithCancel(context.Background())

	ctx, release := r.track(parent)
	defer release()
	cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}
