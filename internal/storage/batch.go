package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/sandwichfarm/pulsr/internal/events"
)

// RecordError is a per-record failure inside a batch
type RecordError struct {
	EventID string
	Err     error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("event %s: %v", e.EventID, e.Err)
}

func (e RecordError) Unwrap() error {
	return e.Err
}

// BatchResult reports which records of a batch were committed
type BatchResult struct {
	Persisted []string
	Failed    []RecordError
}

// WriteBatch persists records in one transaction with one savepoint per record.
// A failing record is rolled back to its savepoint and reported in the result;
// the rest of the batch still commits. Only begin and commit failures return an error.
func (s *Storage) WriteBatch(ctx context.Context, records []*events.Record) (*BatchResult, error) {
	result := &BatchResult{
		Persisted: make([]string, 0, len(records)),
	}
	if len(records) == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin batch: %w", err)
	}
	defer tx.Rollback()

	now := s.now().Unix()

	for i, rec := range records {
		savepoint := fmt.Sprintf("rec_%d", i)
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+savepoint); err != nil {
			return nil, fmt.Errorf("failed to open savepoint: %w", err)
		}

		if err := writeRecord(ctx, tx, rec, now); err != nil {
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO "+savepoint); rbErr != nil {
				return nil, fmt.Errorf("failed to roll back savepoint: %w", rbErr)
			}
			if _, relErr := tx.ExecContext(ctx, "RELEASE "+savepoint); relErr != nil {
				return nil, fmt.Errorf("failed to release savepoint: %w", relErr)
			}
			result.Failed = append(result.Failed, RecordError{EventID: rec.Envelope.ID, Err: err})
			continue
		}

		if _, err := tx.ExecContext(ctx, "RELEASE "+savepoint); err != nil {
			return nil, fmt.Errorf("failed to release savepoint: %w", err)
		}
		result.Persisted = append(result.Persisted, rec.Envelope.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}

	return result, nil
}

// writeRecord stores one record and its side effects. A record already present is left untouched.
func writeRecord(ctx context.Context, tx *sqlx.Tx, rec *events.Record, now int64) error {
	env := &rec.Envelope
	if env.ID == "" {
		return fmt.Errorf("missing event id")
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO raw_events (id, pubkey, kind, created_at, content, sig, tags, relay_url, received_at, processed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO NOTHING`,
		env.ID, env.PubKey, env.Kind, int64(env.CreatedAt), env.Content, env.Sig,
		EventTags(env.Tags), env.Relay, env.ReceivedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert raw event: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read insert result: %w", err)
	}
	if inserted == 0 {
		return nil
	}

	for _, ref := range events.ExtractEventRefs(env.Tags) {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO event_refs (event_id, ref_id, kind, marker, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			env.ID, ref.RefID, env.Kind, ref.Marker, int64(env.CreatedAt),
		); err != nil {
			return fmt.Errorf("failed to insert event ref: %w", err)
		}
	}

	switch payload := rec.Payload.(type) {
	case *events.ProfilePayload:
		if err := upsertProfile(ctx, tx, env, payload, now); err != nil {
			return err
		}
	case *events.ZapPayload:
		if payload.AmountKnown {
			if err := insertZap(ctx, tx, env, payload); err != nil {
				return err
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE raw_events SET processed = 1 WHERE id = ?`, env.ID); err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}

	return nil
}

// upsertProfile counts the update and replaces the metadata unless a newer profile is already stored
func upsertProfile(ctx context.Context, tx *sqlx.Tx, env *events.Envelope, p *events.ProfilePayload, now int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE user_profiles SET event_count = event_count + 1, last_updated = ?
		WHERE pubkey = ?`,
		now, env.PubKey,
	)
	if err != nil {
		return fmt.Errorf("failed to update profile count: %w", err)
	}
	existing, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read profile update result: %w", err)
	}

	if existing == 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_profiles (pubkey, name, display_name, about, picture, nip05, lud06, lud16,
				banner, website, raw_metadata, profile_created_at, first_seen, last_updated, event_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			env.PubKey, p.Name, p.DisplayName, p.About, p.Picture, p.NIP05, p.LUD06, p.LUD16,
			p.Banner, p.Website, p.Raw, int64(env.CreatedAt), now, now,
		); err != nil {
			return fmt.Errorf("failed to insert profile: %w", err)
		}
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE user_profiles SET name = ?, display_name = ?, about = ?, picture = ?, nip05 = ?,
			lud06 = ?, lud16 = ?, banner = ?, website = ?, raw_metadata = ?, profile_created_at = ?
		WHERE pubkey = ? AND profile_created_at <= ?`,
		p.Name, p.DisplayName, p.About, p.Picture, p.NIP05, p.LUD06, p.LUD16,
		p.Banner, p.Website, p.Raw, int64(env.CreatedAt), env.PubKey, int64(env.CreatedAt),
	); err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}

	return nil
}

func insertZap(ctx context.Context, tx *sqlx.Tx, env *events.Envelope, z *events.ZapPayload) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO zaps (id, target_event_id, target_pubkey, sender_pubkey, amount_msats, amount_sats,
			comment, created_at, bolt11, preimage, relay_url, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		env.ID, nullable(z.TargetEventID), z.TargetPubkey, nullable(z.SenderPubkey), z.AmountMsats, z.AmountSats,
		z.Comment, int64(env.CreatedAt), z.Bolt11, z.Preimage, env.Relay, env.ReceivedAt.Unix(),
	); err != nil {
		return fmt.Errorf("failed to insert zap: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
