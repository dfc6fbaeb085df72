package session

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDFormat(t *testing.T) {
	now := time.Date(2026, 2, 14, 8, 30, 5, 0, time.UTC)
	tests := []struct {
		name   string
		user   string
		device string
		want   *regexp.Regexp
	}{
		{"with device", "alice", "kitchen", regexp.MustCompile(`^alice_kitchen_20260214_083005_[0-9a-f]{8}$`)},
		{"no device", "alice", "", regexp.MustCompile(`^alice_20260214_083005_[0-9a-f]{8}$`)},
		{"device sanitized", "bob", "Living Room/Echo#2", regexp.MustCompile(`^bob_Living-RoomEcho2_20260214_083005_[0-9a-f]{8}$`)},
		{"device with nothing usable", "bob", "☕☕", regexp.MustCompile(`^bob_20260214_083005_[0-9a-f]{8}$`)},
		{"default user", " ", "pi", regexp.MustCompile(`^default_user_pi_20260214_083005_[0-9a-f]{8}$`)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Regexp(t, tc.want, NewID(tc.user, tc.device, now))
		})
	}
}

func TestNewIDDoesNotCollide(t *testing.T) {
	now := time.Date(2026, 2, 14, 8, 30, 5, 0, time.UTC)
	seen := make(map[string]struct{}, 1000)
	for range 1000 {
		id := NewID("alice", "phone", now)
		_, dup := seen[id]
		require.False(t, dup, id)
		seen[id] = struct{}{}
	}
	assert.NotEqual(t, NewID("alice", "phone", now), NewID("alice", "laptop", now))
}

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("u1", "desk")
	require.NotEmpty(t, s.ID)

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "desk", got.DeviceName)
	assert.Equal(t, StatusActive, got.Status)

	require.NoError(t, m.Touch(s.ID))
	got, err = m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TurnCount)

	ended, err := m.End(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, ended.Status)
	assert.Zero(t, m.ActiveCount())

	require.ErrorIs(t, m.Touch(s.ID), ErrEnded)
	require.ErrorIs(t, m.Touch("nope"), ErrNotFound)
	_, err = m.End("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestManagerSessionsPerDeviceAreDistinct(t *testing.T) {
	m := NewManager(time.Minute)
	a := m.Create("u1", "phone")
	b := m.Create("u1", "car")
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, m.ActiveCount())
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	s := m.Create("u1", "")

	var mu sync.Mutex
	var expired []string
	m.SetExpireHook(func(s *Session) {
		mu.Lock()
		expired = append(expired, s.ID)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		got, err := m.Get(s.ID)
		return err == nil && got.Status == StatusEnded
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{s.ID}, expired)
}

func TestManagerForgetsLongEndedSessions(t *testing.T) {
	m := NewManager(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	s := m.Create("u1", "")
	_, err := m.End(s.ID)
	require.NoError(t, err)

	now = now.Add(5 * time.Minute)
	m.expireInactive()
	_, err = m.Get(s.ID)
	require.NoError(t, err)

	now = now.Add(endedRetention * time.Minute)
	m.expireInactive()
	_, err = m.Get(s.ID)
	require.ErrorIs(t, err, ErrNotFound)
}
