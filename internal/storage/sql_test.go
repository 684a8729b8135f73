package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "babbell/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	st, err := Open(context.Background(), Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "babbell.db"),
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabledAndUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "none"}, logx.Nop())
	require.ErrorIs(t, err, ErrDisabled)

	_, err = Open(context.Background(), Config{Driver: "mongo"}, logx.Nop())
	require.Error(t, err)

	_, err = Open(context.Background(), Config{Driver: "sqlite"}, logx.Nop())
	require.Error(t, err)
}

func TestRecipientUpsertKeepsProfileAndChannel(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertRecipient(ctx, Recipient{
		TenantID: "acme", UserID: "U1", Name: "ann", RealName: "Ann Lee", Subscribed: true,
	}))
	require.NoError(t, st.SetCachedChannel(ctx, "acme", "U1", "D1"))

	// Re-subscribing without profile data keeps what was stored.
	require.NoError(t, st.UpsertRecipient(ctx, Recipient{TenantID: "acme", UserID: "U1", Subscribed: true}))

	r, ok, err := st.Recipient(ctx, "acme", "U1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ann", r.Name)
	assert.Equal(t, "Ann Lee", r.RealName)
	assert.Equal(t, "D1", r.Channel)
	assert.True(t, r.Subscribed)

	_, ok, err = st.Recipient(ctx, "acme", "U404")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSubscribedFiltersByTenant(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for _, r := range []Recipient{
		{TenantID: "acme", UserID: "U1", Subscribed: true},
		{TenantID: "acme", UserID: "U2", Subscribed: true},
		{TenantID: "globex", UserID: "U1", Subscribed: true},
	} {
		require.NoError(t, st.UpsertRecipient(ctx, r))
	}
	require.NoError(t, st.Unsubscribe(ctx, "acme", "U2"))

	acme, err := st.Subscribed(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, acme, 1)
	assert.Equal(t, "U1", acme[0].UserID)

	all, err := st.Subscribed(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "acme", all[0].TenantID)
	assert.Equal(t, "globex", all[1].TenantID)
}

func TestAuditEntriesFollowBroadcast(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateBroadcast(ctx, BroadcastMeta{
		BroadcastID: "b1", TenantID: "acme", Action: "NOW", InitiatedBy: "U9",
	}))
	require.NoError(t, st.AppendAudit(ctx, AuditEntry{
		BroadcastID: "b1", TenantID: "acme", Action: "NOW", InitiatedBy: "U9",
		TargetUserID: "U1", Channel: "D1", MessageRef: "1.0", OK: true,
	}))
	require.NoError(t, st.AppendAudit(ctx, AuditEntry{
		BroadcastID: "b1", TenantID: "acme", Action: "NOW", InitiatedBy: "U9",
		TargetUserID: "U2", Error: "channel_unavailable",
	}))

	entries, err := st.AuditFor(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].OK)
	assert.Equal(t, "1.0", entries[0].MessageRef)
	assert.False(t, entries[1].OK)
	assert.Equal(t, "channel_unavailable", entries[1].Error)
	assert.Empty(t, entries[1].Channel)
	assert.False(t, entries[1].At.IsZero())
}

func TestToggleVotePairsCancel(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	p, err := st.CreatePoll(ctx)
	require.NoError(t, err)
	assert.True(t, p.Open())

	added, err := st.ToggleVote(ctx, p.ID, "acme", "U1", "0")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = st.ToggleVote(ctx, p.ID, "acme", "U1", "0")
	require.NoError(t, err)
	assert.False(t, added)

	counts, err := st.VoteCounts(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestDistinctVotersAreTenantScoped(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	p, err := st.CreatePoll(ctx)
	require.NoError(t, err)

	// Same user id on two tenants is two people.
	_, err = st.ToggleVote(ctx, p.ID, "acme", "U1", "0")
	require.NoError(t, err)
	_, err = st.ToggleVote(ctx, p.ID, "globex", "U1", "0")
	require.NoError(t, err)
	_, err = st.ToggleVote(ctx, p.ID, "acme", "U1", "1")
	require.NoError(t, err)

	n, err := st.DistinctVoterCount(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, err := st.VoteCounts(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"0": 2, "1": 1}, counts)

	ids, err := st.VoterIdentities(ctx, p.ID, "0")
	require.NoError(t, err)
	assert.ElementsMatch(t, []Identity{{"acme", "U1"}, {"globex", "U1"}}, ids)

	mine, err := st.VoterChoices(ctx, p.ID, "acme", "U1")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"0": true, "1": true}, mine)
}

func TestClosedPollRejectsVotes(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	p, err := st.CreatePoll(ctx)
	require.NoError(t, err)
	_, err = st.ToggleVote(ctx, p.ID, "acme", "U1", "0")
	require.NoError(t, err)

	require.NoError(t, st.ClosePoll(ctx, p.ID))
	require.NoError(t, st.ClosePoll(ctx, p.ID))

	got, err := st.Poll(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, got.Open())

	_, err = st.ToggleVote(ctx, p.ID, "acme", "U1", "0")
	require.ErrorIs(t, err, ErrPollClosed)

	counts, err := st.VoteCounts(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["0"])

	_, err = st.ToggleVote(ctx, "missing", "acme", "U1", "0")
	require.ErrorIs(t, err, ErrPollNotFound)
	require.ErrorIs(t, st.ClosePoll(ctx, "missing"), ErrPollNotFound)
}

func TestPlacementUpsertReplacesMessageRef(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	p, err := st.CreatePoll(ctx)
	require.NoError(t, err)

	require.NoError(t, st.SavePlacement(ctx, Placement{PollID: p.ID, TenantID: "acme", UserID: "U1", Channel: "D1", MessageRef: "1.0"}))
	require.NoError(t, st.SavePlacement(ctx, Placement{PollID: p.ID, TenantID: "globex", UserID: "U1", Channel: "42", MessageRef: "7"}))
	require.NoError(t, st.SavePlacement(ctx, Placement{PollID: p.ID, TenantID: "acme", UserID: "U1", Channel: "D1", MessageRef: "2.0"}))

	got, err := st.Placements(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2.0", got[0].MessageRef)
	assert.Equal(t, "globex", got[1].TenantID)
}

func TestTimeLayoutRoundTrip(t *testing.T) {
	in := time.Date(2024, 3, 5, 11, 30, 0, 123, time.FixedZone("X", 3600))
	out := parseTime(formatTime(in))
	assert.True(t, in.Equal(out))
	assert.Equal(t, time.UTC, out.Location())
}
