// ABOUTME: Tests for the ephemeral secret store
// ABOUTME: Covers both consumption policies, TTL expiry, and background sweep

package secrets

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStore_ReusableUntilExpiry(t *testing.T) {
	s := New(time.Minute, time.Minute)
	defer s.Close()

	s.Put("pairing-code", "123456")

	// Two reads inside the TTL both return the secret.
	got, ok := s.Consume("pairing-code", PolicyReusable)
	assert.True(t, ok)
	assert.Equal(t, "123456", got)

	got, ok = s.Consume("pairing-code", PolicyReusable)
	assert.True(t, ok)
	assert.Equal(t, "123456", got)
}

func TestStore_SingleUseDeletesOnFirstRead(t *testing.T) {
	s := New(time.Minute, time.Minute)
	defer s.Close()

	s.Put("handoff-token", "tok-abc")

	got, ok := s.Consume("handoff-token", PolicySingleUse)
	assert.True(t, ok)
	assert.Equal(t, "tok-abc", got)

	_, ok = s.Consume("handoff-token", PolicySingleUse)
	assert.False(t, ok, "second read must miss")
}

func TestStore_ExpiredReadMisses(t *testing.T) {
	s := New(time.Minute, time.Minute)
	defer s.Close()

	s.PutTTL("short", "value", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	_, ok := s.Consume("short", PolicyReusable)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len(), "expired entry removed on read")
}

func TestStore_SweepRemovesExpiredWithoutReads(t *testing.T) {
	s := New(time.Minute, 20*time.Millisecond)
	defer s.Close()

	s.PutTTL("a", "1", 10*time.Millisecond)
	s.PutTTL("b", "2", 10*time.Millisecond)
	s.Put("c", "3") // default TTL, survives

	assert.Eventually(t, func() bool {
		return s.Len() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestStore_UnknownKeyMisses(t *testing.T) {
	s := New(time.Minute, time.Minute)
	defer s.Close()

	_, ok := s.Consume("nope", PolicySingleUse)
	assert.False(t, ok)
}

func TestStore_CloseIsIdempotent(t *testing.T) {
	s := New(time.Minute, time.Minute)
	s.Put("k", "v")
	s.Close()
	s.Close()

	_, ok := s.Consume("k", PolicyReusable)
	assert.False(t, ok, "entries dropped on close")
}
