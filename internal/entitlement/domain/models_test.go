package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	plandomain "github.com/smallbiznis/entitlements/internal/plan/domain"
	usagedomain "github.com/smallbiznis/entitlements/internal/usage/domain"
	"github.com/stretchr/testify/require"
)

func TestRemaining(t *testing.T) {
	require.Equal(t, 3, Remaining(2, 5))
	require.Equal(t, 0, Remaining(5, 5))
	require.Equal(t, 0, Remaining(7, 5))
	require.Equal(t, plandomain.Unlimited, Remaining(1000, plandomain.Unlimited))
}

func TestDenialReasonNamesLimitAndUsage(t *testing.T) {
	reason := DenialReason(plandomain.ActionAIMessage, 5, 5)
	require.Equal(t, "Daily aiMessages limit reached (5/5). Upgrade your plan for more usage.", reason)
}

func TestDegradable(t *testing.T) {
	require.True(t, Degradable(fmt.Errorf("%w: timeout", usagedomain.ErrUnavailable)))
	require.True(t, Degradable(usagedomain.ErrPermissionDenied))
	require.True(t, Degradable(context.DeadlineExceeded))
	require.False(t, Degradable(errors.New("boom")))
	require.False(t, Degradable(nil))
}

func TestUnauthorizedDefault(t *testing.T) {
	free := plandomain.FreeTier(plandomain.DefaultCatalog(nil))

	snap := UnauthorizedDefault(free, "", "2026-05-04")
	require.False(t, snap.Authenticated)
	require.False(t, snap.Degraded)
	require.Equal(t, plandomain.TierFree, snap.Tier.ID)
	require.Equal(t, "2026-05-04", snap.Usage.DayKey)
	for _, action := range plandomain.Actions() {
		require.Zero(t, snap.Usage.Count(action))
		require.Equal(t, free.Limit(action), snap.Remaining[string(action)])
	}

	snap = UnauthorizedDefault(free, "u1", "2026-05-04")
	require.True(t, snap.Authenticated)
	require.True(t, snap.Degraded)
}
