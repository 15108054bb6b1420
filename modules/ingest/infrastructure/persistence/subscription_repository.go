package persistence

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pkg/errors"
)

const (
	defaultChannel          = "Email"
	defaultSubscriptionType = "Basic"
)

// SubscriptionRepository maintains communication subscriptions and their
// link rows.
type SubscriptionRepository struct {
	db TxStarter
}

func NewSubscriptionRepository(db TxStarter) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// EnsureDefault guarantees the contact has an active Email/Basic
// subscription. Check-then-insert runs in one short transaction, so a
// re-run is a no-op.
func (r *SubscriptionRepository) EnsureDefault(ctx context.Context, contactID int64) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	channelID, err := ensureNamed(ctx, tx, "channels", defaultChannel)
	if err != nil {
		return err
	}
	typeID, err := ensureNamed(ctx, tx, "subscription_types", defaultSubscriptionType)
	if err != nil {
		return err
	}

	const existing = `SELECT s.id
	  FROM subscriptions s
	  JOIN subscriptions_contact_lnk scl ON scl.subscription_id = s.id
	  JOIN subscriptions_channel_lnk sch ON sch.subscription_id = s.id
	  JOIN subscriptions_subscription_type_lnk sst ON sst.subscription_id = s.id
	 WHERE scl.contact_id = $1 AND sch.channel_id = $2 AND sst.subscription_type_id = $3 AND s.active = true
	 LIMIT 1`
	var subID int64
	err = tx.QueryRow(ctx, existing, contactID, channelID, typeID).Scan(&subID)
	if err == nil {
		return tx.Commit(ctx)
	}
	if !noRows(err) {
		return errors.Wrap(err, "check subscription")
	}

	const insertSub = `INSERT INTO subscriptions (subscribed_at, active, period, published_at)
	 VALUES (now(), true, 1, now())
	 RETURNING id`
	if err := tx.QueryRow(ctx, insertSub).Scan(&subID); err != nil {
		return errors.Wrap(err, "insert subscription")
	}

	links := []struct {
		q  string
		id int64
	}{
		{`INSERT INTO subscriptions_contact_lnk (subscription_id, contact_id) VALUES ($1, $2)`, contactID},
		{`INSERT INTO subscriptions_channel_lnk (subscription_id, channel_id) VALUES ($1, $2)`, channelID},
		{`INSERT INTO subscriptions_subscription_type_lnk (subscription_id, subscription_type_id) VALUES ($1, $2)`, typeID},
	}
	for _, l := range links {
		if _, err := tx.Exec(ctx, l.q, subID, l.id); err != nil {
			return errors.Wrap(err, "link subscription")
		}
	}

	return tx.Commit(ctx)
}

// BasicTypeID resolves the Basic subscription type; it must already
// exist for mass subscription updates.
func (r *SubscriptionRepository) BasicTypeID(ctx context.Context) (int64, error) {
	const q = `SELECT id FROM subscription_types WHERE name = $1 LIMIT 1`
	var id int64
	if err := r.db.QueryRow(ctx, q, defaultSubscriptionType).Scan(&id); err != nil {
		return 0, errors.Wrap(err, "subscription type Basic not found")
	}
	return id, nil
}

// Subscribe reactivates inactive subscriptions for the contacts on the
// channel and creates new ones for contacts with none. Returns how many
// subscriptions were touched.
func (r *SubscriptionRepository) Subscribe(ctx context.Context, contactIDs []int64, channelID, typeID int64) (int64, error) {
	const reactivate = `UPDATE subscriptions s
	  SET active = true,
	      subscribed_at = now(),
	      unsubscribed_at = NULL,
	      published_at = now()
	  FROM subscriptions_contact_lnk scl
	  JOIN subscriptions_channel_lnk schl ON schl.subscription_id = scl.subscription_id
	 WHERE s.id = scl.subscription_id
	   AND scl.contact_id = ANY($1)
	   AND schl.channel_id = $2
	   AND s.active = false`
	tag, err := r.db.Exec(ctx, reactivate, pgtype.FlatArray[int64](contactIDs), channelID)
	if err != nil {
		return 0, errors.Wrap(err, "reactivate subscriptions")
	}
	touched := tag.RowsAffected()

	const covered = `SELECT scl.contact_id
	  FROM subscriptions_contact_lnk scl
	  JOIN subscriptions_channel_lnk schl ON schl.subscription_id = scl.subscription_id
	 WHERE scl.contact_id = ANY($1) AND schl.channel_id = $2`
	rows, err := r.db.Query(ctx, covered, pgtype.FlatArray[int64](contactIDs), channelID)
	if err != nil {
		return touched, errors.Wrap(err, "select covered contacts")
	}
	existing := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return touched, err
		}
		existing[id] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return touched, err
	}

	for _, contactID := range contactIDs {
		if _, ok := existing[contactID]; ok {
			continue
		}
		var subID int64
		const insertSub = `INSERT INTO subscriptions (active, subscribed_at, published_at)
		 VALUES (true, now(), now())
		 RETURNING id`
		if err := r.db.QueryRow(ctx, insertSub).Scan(&subID); err != nil {
			return touched, errors.Wrap(err, "insert subscription")
		}
		if _, err := r.db.Exec(ctx, `INSERT INTO subscriptions_contact_lnk (subscription_id, contact_id) VALUES ($1, $2)`, subID, contactID); err != nil {
			return touched, err
		}
		if _, err := r.db.Exec(ctx, `INSERT INTO subscriptions_channel_lnk (subscription_id, channel_id) VALUES ($1, $2)`, subID, channelID); err != nil {
			return touched, err
		}
		if _, err := r.db.Exec(ctx, `INSERT INTO subscriptions_subscription_type_lnk (subscription_id, subscription_type_id) VALUES ($1, $2)`, subID, typeID); err != nil {
			return touched, err
		}
		touched++
	}

	return touched, nil
}

// Unsubscribe deactivates active subscriptions for the contacts on the
// channel.
func (r *SubscriptionRepository) Unsubscribe(ctx context.Context, contactIDs []int64, channelID int64) (int64, error) {
	const deactivate = `UPDATE subscriptions s
	  SET active = false,
	      unsubscribed_at = now()
	  FROM subscriptions_contact_lnk scl
	  JOIN subscriptions_channel_lnk schl ON schl.subscription_id = scl.subscription_id
	 WHERE s.id = scl.subscription_id
	   AND scl.contact_id = ANY($1)
	   AND schl.channel_id = $2
	   AND s.active = true`
	tag, err := r.db.Exec(ctx, deactivate, pgtype.FlatArray[int64](contactIDs), channelID)
	if err != nil {
		return 0, errors.Wrap(err, "deactivate subscriptions")
	}
	return tag.RowsAffected(), nil
}

// RecordUnsubscribeEvent appends an unsubscribe event linked to the
// contact and channel.
func (r *SubscriptionRepository) RecordUnsubscribeEvent(ctx context.Context, contactID, channelID int64) error {
	const insertEvent = `INSERT INTO events
	  (action, status, source, destination, external_id, title, payload, created_at, published_at)
	 VALUES ($1, $2, $3, '', '', $4, '', now(), now())
	 RETURNING id`
	var eventID int64
	if err := r.db.QueryRow(ctx, insertEvent, "unsubscribe", "unsubscribed", "Unsubscribe", "Unsubscribe event").Scan(&eventID); err != nil {
		return errors.Wrap(err, "insert unsubscribe event")
	}
	if _, err := r.db.Exec(ctx, `INSERT INTO events_contact_lnk (event_id, contact_id) VALUES ($1, $2)`, eventID, contactID); err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, `INSERT INTO events_channel_lnk (event_id, channel_id) VALUES ($1, $2)`, eventID, channelID); err != nil {
		return err
	}
	return nil
}

func ensureNamed(ctx context.Context, db DBTX, table, name string) (int64, error) {
	var id int64
	err := db.QueryRow(ctx, `SELECT id FROM `+table+` WHERE name = $1`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !noRows(err) {
		return 0, errors.Wrapf(err, "select %s", table)
	}
	if err := db.QueryRow(ctx, `INSERT INTO `+table+` (name) VALUES ($1) RETURNING id`, name).Scan(&id); err != nil {
		return 0, errors.Wrapf(err, "insert %s", table)
	}
	return id, nil
}
