package pg

import (
	"context"
	"database/sql"
	"errors"

	"warden.gg/internal/identity"
)

const linkColumns = `id, chat_account_id, game_account_id, confidence, source, is_primary,
	game_name, chat_name, created_at`

func scanLink(row rowScanner) (identity.Link, error) {
	var (
		l    identity.Link
		conf float64
	)
	err := row.Scan(&l.ID, &l.ChatAccountID, &l.GameAccountID, &conf, &l.Source,
		&l.Primary, &l.GameName, &l.ChatName, &l.CreatedAt)
	if err != nil {
		return identity.Link{}, err
	}
	l.Confidence = identity.Confidence(conf)
	return l, nil
}

// UpsertPrimary demotes the chat account's current primary and writes the
// link as the new primary in one transaction. A re-assertion of an existing
// (chat, game) pair updates that row in place instead of duplicating it; the
// partial unique index ux_links_primary rejects any second primary that
// slips past the demote.
func (s *Store) UpsertPrimary(ctx context.Context, link identity.Link) (identity.Link, error) {
	stored := link
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			update identity_links set is_primary = false
			where chat_account_id = $1 and is_primary
		`, link.ChatAccountID); err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, `
			insert into identity_links (id, chat_account_id, game_account_id, confidence, source,
				is_primary, game_name, chat_name, created_at)
			values ($1,$2,$3,$4,$5,true,$6,$7,$8)
			on conflict (chat_account_id, game_account_id) do update
			set confidence = excluded.confidence,
				source = excluded.source,
				is_primary = true,
				game_name = excluded.game_name,
				chat_name = excluded.chat_name,
				created_at = excluded.created_at
			returning `+linkColumns,
			link.ID, link.ChatAccountID, link.GameAccountID, float64(link.Confidence),
			link.Source, link.GameName, link.ChatName, link.CreatedAt)

		l, err := scanLink(row)
		if err != nil {
			return err
		}
		stored = l
		return nil
	})
	if err != nil {
		return identity.Link{}, err
	}
	return stored, nil
}

// PrimaryByChatAccount returns the chat account's primary link.
func (s *Store) PrimaryByChatAccount(ctx context.Context, chatAccountID string) (identity.Link, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+linkColumns+`
		from identity_links
		where chat_account_id = $1 and is_primary
	`, chatAccountID)
	l, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Link{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.Link{}, err
	}
	return l, nil
}

// BestByGameAccount returns the strongest link pointing at the game account,
// newest first on ties.
func (s *Store) BestByGameAccount(ctx context.Context, gameAccountID string) (identity.Link, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+linkColumns+`
		from identity_links
		where game_account_id = $1
		order by confidence desc, created_at desc, id desc
		limit 1
	`, gameAccountID)
	l, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Link{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.Link{}, err
	}
	return l, nil
}

// ListByChatAccount returns the chat account's links, strongest and newest
// first.
func (s *Store) ListByChatAccount(ctx context.Context, chatAccountID string) ([]identity.Link, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+linkColumns+`
		from identity_links
		where chat_account_id = $1
		order by confidence desc, created_at desc, id desc
	`, chatAccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []identity.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
