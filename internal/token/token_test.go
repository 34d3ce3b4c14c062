package token

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/framesearch/internal/config"
)

func testIssuer(t *testing.T) *Issuer {
	t.Helper()
	iss, err := NewIssuer(config.TokenConfig{
		SigningKey: "unit-test-signing-key",
		TTL:        config.Duration(time.Hour),
	})
	require.NoError(t, err)
	return iss
}

func TestIssueVerify_RoundTrip(t *testing.T) {
	iss := testIssuer(t)

	tok, err := iss.Issue("alice", "upstream-key-1", []byte("vk"), 0)
	require.NoError(t, err)

	sess, err := iss.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.TenantID)
	assert.Equal(t, "upstream-key-1", sess.UpstreamKey)
	assert.Equal(t, []byte("vk"), sess.VaultKey)
	assert.WithinDuration(t, time.Now().Add(time.Hour), sess.ExpiresAt, 5*time.Second)
}

func TestVerify_Expired(t *testing.T) {
	iss := testIssuer(t)

	tok, err := iss.Issue("alice", "upstream-key-1", nil, time.Nanosecond)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	sess, err := iss.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Nil(t, sess, "expired token must never yield stale claims")
}

func TestVerify_Malformed(t *testing.T) {
	iss := testIssuer(t)

	for _, tok := range []string{"", "not-a-jwt", "aaa.bbb.ccc"} {
		sess, err := iss.Verify(tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
		assert.Nil(t, sess)
	}
}

func TestVerify_WrongKey(t *testing.T) {
	iss := testIssuer(t)
	other, err := NewIssuer(config.TokenConfig{
		SigningKey: "a-different-key",
		TTL:        config.Duration(time.Hour),
	})
	require.NoError(t, err)

	tok, err := other.Issue("alice", "k", nil, 0)
	require.NoError(t, err)

	_, err = iss.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssue_RequiresTenantID(t *testing.T) {
	iss := testIssuer(t)
	_, err := iss.Issue("", "k", nil, 0)
	require.Error(t, err)
}

func TestNewIssuer_Validation(t *testing.T) {
	_, err := NewIssuer(config.TokenConfig{TTL: config.Duration(time.Hour)})
	assert.Error(t, err)

	_, err = NewIssuer(config.TokenConfig{SigningKey: "k"})
	assert.Error(t, err)
}

func TestVerify_ConcurrentUse(t *testing.T) {
	iss := testIssuer(t)

	tok, err := iss.Issue("alice", "upstream-key-1", []byte("vk"), 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := iss.Verify(tok)
			assert.NoError(t, err)
			assert.Equal(t, "alice", sess.TenantID)
		}()
	}
	wg.Wait()
}

// Rotation does not retroactively rewrite an issued token: the embedded
// key stays what it was at login time.
func TestIssuedToken_ImmutableUnderRotation(t *testing.T) {
	iss := testIssuer(t)

	tok, err := iss.Issue("bob", "old-key", nil, 0)
	require.NoError(t, err)

	// A new token after rotation carries the new key...
	tok2, err := iss.Issue("bob", "new-key", nil, 0)
	require.NoError(t, err)

	// ...while the old one still verifies with the old key embedded.
	sess, err := iss.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "old-key", sess.UpstreamKey)

	sess2, err := iss.Verify(tok2)
	require.NoError(t, err)
	assert.Equal(t, "new-key", sess2.UpstreamKey)
}
