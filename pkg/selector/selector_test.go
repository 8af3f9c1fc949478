package selector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laomeifun/llm-relay/pkg/ratelimit"
	"github.com/laomeifun/llm-relay/pkg/types"
)

func testAccounts() []*types.Account {
	return []*types.Account{
		{Index: 0, Email: "a@example.com", Tier: types.TierFree},
		{Index: 1, Email: "b@example.com", Tier: types.TierUltra},
		{Index: 2, Email: "c@example.com", Tier: types.TierPro},
	}
}

// Image requests skip the global lock, which makes them the direct way
// to observe round-robin order across consecutive selections.
func TestTierPriorityRoundRobin(t *testing.T) {
	s := New()
	accounts := testAccounts()

	var got []string
	for i := 0; i < 4; i++ {
		acct, err := s.GetAccountForRequest(accounts, types.RequestImageGen, "", nil)
		require.NoError(t, err)
		got = append(got, acct.Email)
	}

	assert.Equal(t, []string{"b@example.com", "c@example.com", "a@example.com", "b@example.com"}, got)
}

func TestCooldownSkipAndAllCooled(t *testing.T) {
	s := New()
	accounts := testAccounts()

	s.MarkRateLimited("b@example.com", types.RequestImageGen, ratelimit.Result{
		Reason:       ratelimit.ReasonRateLimitExceeded,
		RetryAfterMS: 30000,
	})

	attempted := map[int]bool{}

	first, err := s.GetAccountForRequest(accounts, types.RequestImageGen, "", attempted)
	require.NoError(t, err)
	assert.Equal(t, "c@example.com", first.Email)
	attempted[first.Index] = true

	second, err := s.GetAccountForRequest(accounts, types.RequestImageGen, "", attempted)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", second.Email)
	attempted[second.Index] = true

	_, err = s.GetAccountForRequest(accounts, types.RequestImageGen, "", attempted)
	require.Error(t, err)
	ge, ok := err.(*types.GatewayError)
	require.True(t, ok)
	assert.Equal(t, types.ErrCodeAllCooled, ge.Code)
	assert.LessOrEqual(t, ge.RetryAfter, 30)
	assert.Greater(t, ge.RetryAfter, 0)
}

func TestCooldownExpiresPassively(t *testing.T) {
	s := New()
	now := time.Now()
	s.now = func() time.Time { return now }

	s.MarkRateLimited("a@example.com", types.RequestClaude, ratelimit.Result{
		Reason:       ratelimit.ReasonServerError,
		RetryAfterMS: 20000,
	})
	assert.True(t, s.IsRateLimited("a@example.com", types.RequestClaude))

	now = now.Add(20 * time.Second)
	assert.False(t, s.IsRateLimited("a@example.com", types.RequestClaude))
}

func TestImagePoolIsSeparate(t *testing.T) {
	s := New()

	s.MarkRateLimited("a@example.com", types.RequestClaude, ratelimit.Result{
		Reason:       ratelimit.ReasonQuotaExhausted,
		RetryAfterMS: 3600000,
	})

	assert.True(t, s.IsRateLimited("a@example.com", types.RequestClaude))
	assert.True(t, s.IsRateLimited("a@example.com", types.RequestGemini))
	assert.False(t, s.IsRateLimited("a@example.com", types.RequestImageGen))
}

func TestGlobalLockPinsNonImageRequests(t *testing.T) {
	s := New()
	accounts := testAccounts()

	first, err := s.GetAccountForRequest(accounts, types.RequestClaude, "", nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		again, err := s.GetAccountForRequest(accounts, types.RequestClaude, "", nil)
		require.NoError(t, err)
		assert.Equal(t, first.Index, again.Index)
	}
}

func TestGlobalLockExpires(t *testing.T) {
	s := New()
	now := time.Now()
	s.now = func() time.Time { return now }
	accounts := testAccounts()

	first, err := s.GetAccountForRequest(accounts, types.RequestClaude, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", first.Email)

	now = now.Add(GlobalLockWindow + time.Second)

	next, err := s.GetAccountForRequest(accounts, types.RequestClaude, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "c@example.com", next.Email)
}

func TestGlobalLockSkipsCooledAccount(t *testing.T) {
	s := New()
	accounts := testAccounts()

	first, err := s.GetAccountForRequest(accounts, types.RequestClaude, "", nil)
	require.NoError(t, err)

	s.MarkRateLimited(first.Identifier(), types.RequestClaude, ratelimit.Result{
		Reason:       ratelimit.ReasonRateLimitExceeded,
		RetryAfterMS: 30000,
	})

	next, err := s.GetAccountForRequest(accounts, types.RequestClaude, "", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.Index, next.Index)
}

func TestSessionStickiness(t *testing.T) {
	s := New()
	accounts := testAccounts()

	bound, err := s.GetAccountForRequest(accounts, types.RequestClaude, "session-1", nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		again, err := s.GetAccountForRequest(accounts, types.RequestClaude, "session-1", nil)
		require.NoError(t, err)
		assert.Equal(t, bound.Index, again.Index)
	}
}

func TestStickinessDropsCooledBinding(t *testing.T) {
	s := New()
	accounts := testAccounts()

	bound, err := s.GetAccountForRequest(accounts, types.RequestClaude, "session-1", nil)
	require.NoError(t, err)

	s.MarkRateLimited(bound.Identifier(), types.RequestClaude, ratelimit.Result{
		Reason:       ratelimit.ReasonQuotaExhausted,
		RetryAfterMS: 3600000,
	})

	next, err := s.GetAccountForRequest(accounts, types.RequestClaude, "session-1", nil)
	require.NoError(t, err)
	assert.NotEqual(t, bound.Index, next.Index)
}

func TestStickinessIgnoresDisabledAccount(t *testing.T) {
	s := New()
	accounts := testAccounts()

	bound, err := s.GetAccountForRequest(accounts, types.RequestClaude, "session-1", nil)
	require.NoError(t, err)

	bound.Disabled = true

	next, err := s.GetAccountForRequest(accounts, types.RequestClaude, "session-1", nil)
	require.NoError(t, err)
	assert.NotEqual(t, bound.Index, next.Index)
}

func TestMarkRateLimitedIsIdempotent(t *testing.T) {
	s := New()
	now := time.Now()
	s.now = func() time.Time { return now }

	res := ratelimit.Result{Reason: ratelimit.ReasonRateLimitExceeded, RetryAfterMS: 30000}
	s.MarkRateLimited("a@example.com", types.RequestClaude, res)
	first := *s.records["a@example.com"]

	s.MarkRateLimited("a@example.com", types.RequestClaude, res)
	assert.Equal(t, first, *s.records["a@example.com"])
}

func TestNoAccounts(t *testing.T) {
	s := New()

	_, err := s.GetAccountForRequest(nil, types.RequestClaude, "", nil)
	ge, ok := err.(*types.GatewayError)
	require.True(t, ok)
	assert.Equal(t, types.ErrCodeNoAccounts, ge.Code)

	disabled := []*types.Account{{Index: 0, Disabled: true}}
	_, err = s.GetAccountForRequest(disabled, types.RequestClaude, "", nil)
	ge, ok = err.(*types.GatewayError)
	require.True(t, ok)
	assert.Equal(t, types.ErrCodeNoAccounts, ge.Code)
}

func TestMinWaitSecondsDefault(t *testing.T) {
	s := New()
	assert.Equal(t, DefaultMinWaitSeconds, s.MinWaitSeconds())
}

func TestDropAccountClearsState(t *testing.T) {
	s := New()
	accounts := testAccounts()

	bound, err := s.GetAccountForRequest(accounts, types.RequestClaude, "session-1", nil)
	require.NoError(t, err)

	s.MarkRateLimited(bound.Identifier(), types.RequestClaude, ratelimit.Result{RetryAfterMS: 30000})
	s.DropAccount(bound.Identifier(), bound.Index)

	assert.False(t, s.IsRateLimited(bound.Identifier(), types.RequestClaude))
	assert.Equal(t, DefaultMinWaitSeconds, s.MinWaitSeconds())
}

func TestClampCursor(t *testing.T) {
	s := New()
	s.cursor = 7

	s.ClampCursor(3)
	assert.Equal(t, uint64(1), s.cursor)

	s.ClampCursor(0)
	assert.Equal(t, uint64(0), s.cursor)
}
