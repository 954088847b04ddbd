package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"warden.gg/internal/grant"
	"warden.gg/internal/ids"
)

const grantColumns = `id, game_account_id, chat_account_id, grant_type, source, role_name,
	duration_unit, duration_value, expires_at, approved, revoked, revoked_at,
	revoked_by, revoke_reason, granted_by, reason, game_name, chat_name, created_at`

// activeClause filters rows conferring access at $-indexed instant.
const activeClause = `approved and not revoked and (expires_at is null or expires_at > %s)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (grant.Grant, error) {
	var (
		g         grant.Grant
		expires   sql.NullTime
		revokedAt sql.NullTime
	)
	err := row.Scan(
		&g.ID, &g.GameAccountID, &g.ChatAccountID, &g.Type, &g.Source, &g.RoleName,
		&g.Duration.Unit, &g.Duration.Value, &expires, &g.Approved, &g.Revoked, &revokedAt,
		&g.RevokedBy, &g.RevokeReason, &g.GrantedBy, &g.Reason, &g.GameName, &g.ChatName, &g.CreatedAt,
	)
	if err != nil {
		return grant.Grant{}, err
	}
	if expires.Valid {
		t := expires.Time.UTC()
		g.ExpiresAt = &t
	}
	if revokedAt.Valid {
		t := revokedAt.Time.UTC()
		g.RevokedAt = &t
	}
	return g, nil
}

// Stack inserts a new grant row whose expiration extends the current active
// grant of the same type. The winner is locked FOR UPDATE first so two
// concurrent stacks for one account compute against consistent state.
func (s *Store) Stack(ctx context.Context, g grant.Grant, d grant.Duration) (grant.Grant, error) {
	stored := g
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, fmt.Sprintf(`
			select `+grantColumns+`
			from grants
			where game_account_id = $1 and grant_type = $2 and `+activeClause+`
			order by (expires_at is null) desc, expires_at desc, created_at desc, id desc
			limit 1
			for update
		`, "$3"), g.GameAccountID, g.Type, g.CreatedAt)

		var current *grant.Grant
		cur, err := scanGrant(row)
		switch {
		case err == nil:
			current = &cur
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		expires, err := grant.StackedExpiration(g.CreatedAt, current, d)
		if err != nil {
			return err
		}
		if stored.ID == "" {
			stored.ID = ids.New()
		}
		stored.ExpiresAt = expires

		_, err = tx.ExecContext(ctx, `
			insert into grants (id, game_account_id, chat_account_id, grant_type, source, role_name,
				duration_unit, duration_value, expires_at, approved, granted_by, reason,
				game_name, chat_name, created_at)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		`, stored.ID, stored.GameAccountID, stored.ChatAccountID, stored.Type, stored.Source,
			stored.RoleName, stored.Duration.Unit, stored.Duration.Value, nullTime(stored.ExpiresAt),
			stored.Approved, stored.GrantedBy, stored.Reason, stored.GameName, stored.ChatName,
			stored.CreatedAt)
		return err
	})
	if err != nil {
		return grant.Grant{}, err
	}
	return stored, nil
}

// ByID fetches one row.
func (s *Store) ByID(ctx context.Context, id string) (grant.Grant, error) {
	row := s.db.QueryRowContext(ctx, `select `+grantColumns+` from grants where id = $1`, id)
	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return grant.Grant{}, grant.ErrNotFound
	}
	if err != nil {
		return grant.Grant{}, err
	}
	return g, nil
}

// ActiveByType returns the winning active grant of a type: permanent first,
// then the furthest expiration, newest row as the defensive tie-break.
func (s *Store) ActiveByType(ctx context.Context, gameAccountID string, typ grant.Type, now time.Time) (grant.Grant, error) {
	return s.activeWhere(ctx, `grant_type = $2`, gameAccountID, typ, now)
}

// ActiveDatabase returns the winning active grant not sourced from a role.
func (s *Store) ActiveDatabase(ctx context.Context, gameAccountID string, now time.Time) (grant.Grant, error) {
	return s.activeWhere(ctx, `source <> $2`, gameAccountID, grant.SourceRole, now)
}

// ActiveRole returns the active role-sourced grant, if any.
func (s *Store) ActiveRole(ctx context.Context, gameAccountID string, now time.Time) (grant.Grant, error) {
	return s.activeWhere(ctx, `source = $2`, gameAccountID, grant.SourceRole, now)
}

func (s *Store) activeWhere(ctx context.Context, cond string, gameAccountID string, arg any, now time.Time) (grant.Grant, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		select `+grantColumns+`
		from grants
		where game_account_id = $1 and `+cond+` and `+activeClause+`
		order by (expires_at is null) desc, expires_at desc, created_at desc, id desc
		limit 1
	`, "$3"), gameAccountID, arg, now)
	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return grant.Grant{}, grant.ErrNotFound
	}
	if err != nil {
		return grant.Grant{}, err
	}
	return g, nil
}

// ListActive returns every row conferring access at the given instant.
func (s *Store) ListActive(ctx context.Context, now time.Time) ([]grant.Grant, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		select `+grantColumns+`
		from grants
		where `+activeClause+`
		order by created_at, id
	`, "$1"), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []grant.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Revoke closes rows terminally per the selector: one row by id, or every
// active row a game account holds, optionally narrowed by type.
func (s *Store) Revoke(ctx context.Context, sel grant.RevokeSelector) ([]grant.Grant, error) {
	if sel.GrantID != "" {
		return s.revokeByID(ctx, sel)
	}

	args := []any{sel.GameAccountID, sel.At, sel.RevokedBy, sel.Reason}
	cond := ``
	if sel.Type != "" {
		cond = ` and grant_type = $5`
		args = append(args, sel.Type)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		update grants
		set revoked = true, revoked_at = $2, revoked_by = $3, revoke_reason = $4
		where game_account_id = $1`+cond+` and `+activeClause+`
		returning `+grantColumns,
		"$2"), args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var revoked []grant.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		revoked = append(revoked, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(revoked) == 0 {
		return nil, grant.ErrNotFound
	}
	return revoked, nil
}

func (s *Store) revokeByID(ctx context.Context, sel grant.RevokeSelector) ([]grant.Grant, error) {
	var closed grant.Grant
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`select `+grantColumns+` from grants where id = $1 for update`, sel.GrantID)
		g, err := scanGrant(row)
		if errors.Is(err, sql.ErrNoRows) {
			return grant.ErrNotFound
		}
		if err != nil {
			return err
		}
		if g.Revoked {
			return grant.ErrAlreadyRevoked
		}

		if _, err := tx.ExecContext(ctx, `
			update grants
			set revoked = true, revoked_at = $2, revoked_by = $3, revoke_reason = $4
			where id = $1
		`, sel.GrantID, sel.At, sel.RevokedBy, sel.Reason); err != nil {
			return err
		}

		at := sel.At.UTC()
		g.Revoked = true
		g.RevokedAt = &at
		g.RevokedBy = sel.RevokedBy
		g.RevokeReason = sel.Reason
		closed = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return []grant.Grant{closed}, nil
}

// SyncRole reconciles role-sourced rows for one game account in a single
// transaction: lock the account's live role rows, keep the one matching the
// current tier, close the rest, insert the tier's row when missing. The
// partial unique index ux_grants_role_active backs the one-active-row
// invariant when two unlocked inserts race; its violation is reported as
// retryable so the loser's retry lands on the committed row and no-ops.
func (s *Store) SyncRole(ctx context.Context, p grant.RoleSync) (grant.RoleSyncResult, error) {
	var res grant.RoleSyncResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res = grant.RoleSyncResult{}

		rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
			select `+grantColumns+`
			from grants
			where game_account_id = $1 and source = $2 and `+activeClause+`
			order by created_at, id
			for update
		`, "$3"), p.GameAccountID, grant.SourceRole, p.Now)
		if err != nil {
			return err
		}
		var live []grant.Grant
		for rows.Next() {
			g, err := scanGrant(rows)
			if err != nil {
				rows.Close()
				return err
			}
			live = append(live, g)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		matched := false
		for _, g := range live {
			if !matched && p.RoleName != "" && g.Type == p.Type && g.RoleName == p.RoleName {
				matched = true
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				update grants
				set revoked = true, revoked_at = $2, revoked_by = $3, revoke_reason = $4
				where id = $1
			`, g.ID, p.Now, p.GrantedBy, "role membership changed"); err != nil {
				return err
			}
			at := p.Now.UTC()
			g.Revoked = true
			g.RevokedAt = &at
			g.RevokedBy = p.GrantedBy
			g.RevokeReason = "role membership changed"
			res.Revoked = append(res.Revoked, g)
		}

		if p.RoleName != "" && !matched {
			g := grant.Grant{
				ID:            ids.New(),
				GameAccountID: p.GameAccountID,
				ChatAccountID: p.ChatAccountID,
				Type:          p.Type,
				Source:        grant.SourceRole,
				RoleName:      p.RoleName,
				Duration:      grant.Permanent(),
				Approved:      true,
				GrantedBy:     p.GrantedBy,
				Reason:        p.Reason,
				GameName:      p.GameName,
				ChatName:      p.ChatName,
				CreatedAt:     p.Now,
			}
			if _, err := tx.ExecContext(ctx, `
				insert into grants (id, game_account_id, chat_account_id, grant_type, source, role_name,
					duration_unit, duration_value, expires_at, approved, granted_by, reason,
					game_name, chat_name, created_at)
				values ($1,$2,$3,$4,$5,$6,$7,$8,null,$9,$10,$11,$12,$13,$14)
			`, g.ID, g.GameAccountID, g.ChatAccountID, g.Type, g.Source, g.RoleName,
				g.Duration.Unit, g.Duration.Value, g.Approved, g.GrantedBy, g.Reason,
				g.GameName, g.ChatName, g.CreatedAt); err != nil {
				if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
					return fmt.Errorf("%w: concurrent role grant insert", grant.ErrStoreBusy)
				}
				return err
			}
			res.Created = &g
		}

		res.Unchanged = res.Created == nil && len(res.Revoked) == 0
		return nil
	})
	if err != nil {
		return grant.RoleSyncResult{}, err
	}
	return res, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
