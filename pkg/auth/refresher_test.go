package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRefresherRejectsBadSchedule(t *testing.T) {
	m := NewManager(newFakeAuthenticator(), NewFileStore(filepath.Join(t.TempDir(), "t.json")), "cn")

	_, err := NewRefresher(m, "every now and then", time.Minute)
	require.Error(t, err)

	r, err := NewRefresher(m, "", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultRefreshSchedule, r.schedule)
	assert.Equal(t, 15*time.Minute, r.lead)
}

func TestRefresherRunOnce(t *testing.T) {
	clock := newFakeClock()
	fa := newFakeAuthenticator()
	m := NewManager(fa, seedStore(t, clock, 5*time.Minute), "cn", WithNow(clock.Now))

	r, err := NewRefresher(m, "@every 1h", 10*time.Minute)
	require.NoError(t, err)

	require.NoError(t, r.RunOnce(context.Background()))
	assert.NoError(t, r.LastError())
	_, refreshes := fa.counts()
	assert.Equal(t, 1, refreshes)

	// The refreshed token is an hour out, so the next run is a no-op.
	require.NoError(t, r.RunOnce(context.Background()))
	_, refreshes = fa.counts()
	assert.Equal(t, 1, refreshes)
}

func TestRefresherRunOnceRecordsInteractionRequired(t *testing.T) {
	m := NewManager(newFakeAuthenticator(), NewFileStore(filepath.Join(t.TempDir(), "t.json")), "cn")
	r, err := NewRefresher(m, "@every 1h", time.Minute)
	require.NoError(t, err)

	err = r.RunOnce(context.Background())
	require.ErrorIs(t, err, ErrInteractionRequired)
	assert.ErrorIs(t, r.LastError(), ErrInteractionRequired)
}

func TestRefresherStartStopIdempotent(t *testing.T) {
	m := NewManager(newFakeAuthenticator(), NewFileStore(filepath.Join(t.TempDir(), "t.json")), "cn")
	r, err := NewRefresher(m, "@every 1h", time.Minute)
	require.NoError(t, err)

	require.NoError(t, r.Start())
	require.NoError(t, r.Start())
	r.Stop()
	r.Stop()
}
