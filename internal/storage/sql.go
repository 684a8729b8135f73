package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "babbell/pkg/logx"

	"github.com/google/uuid"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Fixed-width UTC layout so TEXT timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLStore implements every persistence operation used by the engines.
// It is safe for concurrent use.
type SQLStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
	now func() time.Time
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *SQLStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SQLStore{db: db, d: d, log: log, now: time.Now}
}

func (s *SQLStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile(s.d.migrations)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("migrate %s: %w", s.d.name, err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) q(query string) string { return s.d.rebind(query) }

func (s *SQLStore) stamp() string { return formatTime(s.now()) }

// ---- Recipients ----

const recipientColumns = `tenant_id, user_id, name, display_name, real_name, channel_id, subscribed, created_at, updated_at`

// Subscribed lists subscribed recipients of tenant; an empty tenant means all tenants.
func (s *SQLStore) Subscribed(ctx context.Context, tenant string) ([]Recipient, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if tenant == "" {
		rows, err = s.db.QueryContext(ctx, s.q(`SELECT `+recipientColumns+` FROM recipients
			WHERE subscribed = 1 ORDER BY tenant_id, created_at, user_id`))
	} else {
		rows, err = s.db.QueryContext(ctx, s.q(`SELECT `+recipientColumns+` FROM recipients
			WHERE subscribed = 1 AND tenant_id = ? ORDER BY created_at, user_id`), tenant)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) Recipient(ctx context.Context, tenant, user string) (Recipient, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+recipientColumns+` FROM recipients
		WHERE tenant_id = ? AND user_id = ?`), tenant, user)
	r, err := scanRecipient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Recipient{}, false, nil
	}
	if err != nil {
		return Recipient{}, false, err
	}
	return r, true, nil
}

// UpsertRecipient inserts or updates r. Empty profile fields and an empty
// channel keep the stored values; Subscribed always overwrites.
func (s *SQLStore) UpsertRecipient(ctx context.Context, r Recipient) error {
	now := s.stamp()
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO recipients
		(tenant_id, user_id, name, display_name, real_name, channel_id, subscribed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, user_id) DO UPDATE SET
			name = COALESCE(excluded.name, recipients.name),
			display_name = COALESCE(excluded.display_name, recipients.display_name),
			real_name = COALESCE(excluded.real_name, recipients.real_name),
			channel_id = COALESCE(excluded.channel_id, recipients.channel_id),
			subscribed = excluded.subscribed,
			updated_at = excluded.updated_at`),
		r.TenantID, r.UserID, nullStr(r.Name), nullStr(r.DisplayName), nullStr(r.RealName),
		nullStr(r.Channel), boolInt(r.Subscribed), now, now,
	)
	return err
}

func (s *SQLStore) SetCachedChannel(ctx context.Context, tenant, user, channel string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE recipients SET channel_id = ?, updated_at = ?
		WHERE tenant_id = ? AND user_id = ?`), channel, s.stamp(), tenant, user)
	return err
}

func (s *SQLStore) Unsubscribe(ctx context.Context, tenant, user string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE recipients SET subscribed = 0, updated_at = ?
		WHERE tenant_id = ? AND user_id = ?`), s.stamp(), tenant, user)
	return err
}

// ---- Broadcast audit ----

func (s *SQLStore) CreateBroadcast(ctx context.Context, m BroadcastMeta) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO broadcasts
		(broadcast_id, tenant_id, action, initiated_by, menu_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		m.BroadcastID, m.TenantID, m.Action, m.InitiatedBy, nullStr(m.MenuJSON), formatTime(m.CreatedAt),
	)
	return err
}

func (s *SQLStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO send_log
		(broadcast_id, tenant_id, action, initiated_by, target_user_id, channel_id, message_ref, ok, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.BroadcastID, e.TenantID, e.Action, e.InitiatedBy, e.TargetUserID,
		nullStr(e.Channel), nullStr(e.MessageRef), boolInt(e.OK), nullStr(e.Error), formatTime(e.At),
	)
	return err
}

// AuditFor returns the send log of one broadcast in write order.
func (s *SQLStore) AuditFor(ctx context.Context, broadcastID string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT broadcast_id, tenant_id, action, initiated_by, target_user_id,
		channel_id, message_ref, ok, error, created_at
		FROM send_log WHERE broadcast_id = ? ORDER BY id`), broadcastID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e                     AuditEntry
			channel, ref, errText sql.NullString
			ok                    int
			at                    string
		)
		if err := rows.Scan(&e.BroadcastID, &e.TenantID, &e.Action, &e.InitiatedBy, &e.TargetUserID,
			&channel, &ref, &ok, &errText, &at); err != nil {
			return nil, err
		}
		e.Channel, e.MessageRef, e.Error = channel.String, ref.String, errText.String
		e.OK = ok != 0
		e.At = parseTime(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- Polls ----

func (s *SQLStore) CreatePoll(ctx context.Context) (Poll, error) {
	p := Poll{ID: uuid.NewString(), CreatedAt: s.now().UTC()}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO polls (poll_id, created_at) VALUES (?, ?)`),
		p.ID, formatTime(p.CreatedAt))
	if err != nil {
		return Poll{}, err
	}
	return p, nil
}

func (s *SQLStore) Poll(ctx context.Context, pollID string) (Poll, error) {
	var (
		p       Poll
		created string
		closed  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT poll_id, created_at, closed_at FROM polls WHERE poll_id = ?`), pollID).
		Scan(&p.ID, &created, &closed)
	if errors.Is(err, sql.ErrNoRows) {
		return Poll{}, ErrPollNotFound
	}
	if err != nil {
		return Poll{}, err
	}
	p.CreatedAt = parseTime(created)
	if closed.Valid {
		t := parseTime(closed.String)
		p.ClosedAt = &t
	}
	return p, nil
}

// ClosePoll stamps closed_at once; closing an already closed poll is a no-op.
func (s *SQLStore) ClosePoll(ctx context.Context, pollID string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE polls SET closed_at = ? WHERE poll_id = ? AND closed_at IS NULL`),
		s.stamp(), pollID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.Poll(ctx, pollID)
	return err
}

// ToggleVote removes the vote if present and inserts it otherwise, in one
// transaction. It reports whether the vote is now present.
func (s *SQLStore) ToggleVote(ctx context.Context, pollID, tenant, user, choice string) (added bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var closed sql.NullString
	err = tx.QueryRowContext(ctx, s.q(`SELECT closed_at FROM polls WHERE poll_id = ?`+s.d.lockPoll), pollID).Scan(&closed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrPollNotFound
	}
	if err != nil {
		return false, err
	}
	if closed.Valid {
		return false, ErrPollClosed
	}

	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM poll_votes
		WHERE poll_id = ? AND tenant_id = ? AND user_id = ? AND choice = ?`), pollID, tenant, user, choice)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err = tx.ExecContext(ctx, s.q(`INSERT INTO poll_votes (poll_id, tenant_id, user_id, choice, voted_at)
			VALUES (?, ?, ?, ?, ?)`), pollID, tenant, user, choice, s.stamp()); err != nil {
			return false, err
		}
		added = true
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return added, nil
}

func (s *SQLStore) VoteCounts(ctx context.Context, pollID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT choice, COUNT(*) FROM poll_votes WHERE poll_id = ? GROUP BY choice`), pollID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			choice string
			n      int
		)
		if err := rows.Scan(&choice, &n); err != nil {
			return nil, err
		}
		out[choice] = n
	}
	return out, rows.Err()
}

// DistinctVoterCount counts (tenant, user) identities, not bare user ids.
func (s *SQLStore) DistinctVoterCount(ctx context.Context, pollID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM
		(SELECT DISTINCT tenant_id, user_id FROM poll_votes WHERE poll_id = ?) v`), pollID).Scan(&n)
	return n, err
}

func (s *SQLStore) VoterIdentities(ctx context.Context, pollID, choice string) ([]Identity, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT tenant_id, user_id FROM poll_votes
		WHERE poll_id = ? AND choice = ? ORDER BY voted_at, tenant_id, user_id`), pollID, choice)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var id Identity
		if err := rows.Scan(&id.TenantID, &id.UserID); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLStore) VoterChoices(ctx context.Context, pollID, tenant, user string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT choice FROM poll_votes
		WHERE poll_id = ? AND tenant_id = ? AND user_id = ?`), pollID, tenant, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out[c] = true
	}
	return out, rows.Err()
}

// ---- Placements ----

func (s *SQLStore) SavePlacement(ctx context.Context, p Placement) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO poll_messages (poll_id, tenant_id, user_id, channel_id, message_ref)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (poll_id, tenant_id, user_id) DO UPDATE SET
			channel_id = excluded.channel_id,
			message_ref = excluded.message_ref`),
		p.PollID, p.TenantID, p.UserID, p.Channel, p.MessageRef)
	return err
}

func (s *SQLStore) Placements(ctx context.Context, pollID string) ([]Placement, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT poll_id, tenant_id, user_id, channel_id, message_ref
		FROM poll_messages WHERE poll_id = ? ORDER BY tenant_id, user_id`), pollID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Placement
	for rows.Next() {
		var p Placement
		if err := rows.Scan(&p.PollID, &p.TenantID, &p.UserID, &p.Channel, &p.MessageRef); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---- helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecipient(row rowScanner) (Recipient, error) {
	var (
		r                                Recipient
		name, display, realName, channel sql.NullString
		subscribed                       int
		created, updated                 string
	)
	if err := row.Scan(&r.TenantID, &r.UserID, &name, &display, &realName, &channel, &subscribed, &created, &updated); err != nil {
		return Recipient{}, err
	}
	r.Name, r.DisplayName, r.RealName, r.Channel = name.String, display.String, realName.String, channel.String
	r.Subscribed = subscribed != 0
	r.CreatedAt, r.UpdatedAt = parseTime(created), parseTime(updated)
	return r, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
