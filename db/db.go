package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/pikefed/pikefed/domain"
)

// DB is the database struct.
type DB struct {
	db *sql.DB
}

// Open opens the sqlite database at path and prepares it for the concurrent
// federation workload.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(time.Hour)

	// Try to enable WAL2 mode, fall back to WAL if not supported
	var journalMode string
	err = conn.QueryRow("PRAGMA journal_mode=WAL2").Scan(&journalMode)
	if err != nil || journalMode == "delete" {
		err = conn.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode)
		if err != nil {
			log.Printf("Warning: Failed to enable WAL mode: %v", err)
		} else {
			log.Printf("Database journal mode: %s (WAL2 not supported, using WAL)", journalMode)
		}
	} else {
		log.Printf("Database journal mode: %s", journalMode)
	}

	conn.Exec("PRAGMA synchronous = NORMAL")
	conn.Exec("PRAGMA cache_size = -64000")
	conn.Exec("PRAGMA temp_store = MEMORY")
	conn.Exec("PRAGMA busy_timeout = 5000")
	conn.Exec("PRAGMA foreign_keys = ON")
	conn.Exec("PRAGMA auto_vacuum = INCREMENTAL")

	return &DB{db: conn}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// wrapTransaction runs the given function within a transaction, retrying on
// SQLITE_BUSY.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("error starting transaction: %s", err)
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			tx.Rollback()
			return err
		}
		err = tx.Commit()
		if err != nil {
			log.Printf("error committing transaction: %s", err)
			return err
		}
		break
	}
	return nil
}

// Actor queries
const (
	actorColumns = `id, kind, name, domain, profile_uri, inbox_uri, shared_inbox_uri,
                        public_key_pem, private_key_pem, instance_id, display_name, summary,
                        banned, deleted, last_fetched_at, created_at`

	sqlInsertActor = `INSERT INTO actors(id, kind, name, domain, profile_uri, inbox_uri, shared_inbox_uri,
                        public_key_pem, private_key_pem, instance_id, display_name, summary,
                        banned, deleted, last_fetched_at, created_at)
                        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateActor = `UPDATE actors SET display_name = ?, summary = ?, inbox_uri = ?, shared_inbox_uri = ?,
                        public_key_pem = ?, banned = ?, deleted = ?, last_fetched_at = ? WHERE id = ?`
	sqlTombstoneActor = `UPDATE actors SET deleted = 1 WHERE profile_uri = ?`
	sqlBanActorSite   = `UPDATE actors SET banned = ? WHERE profile_uri = ?`
)

func scanActor(row interface{ Scan(...any) error }) (error, *domain.Actor) {
	var a domain.Actor
	var idStr, instanceIdStr string
	err := row.Scan(&idStr, &a.Kind, &a.Name, &a.Domain, &a.ProfileURI, &a.InboxURI, &a.SharedInboxURI,
		&a.PublicKeyPem, &a.PrivateKeyPem, &instanceIdStr, &a.DisplayName, &a.Summary,
		&a.Banned, &a.Deleted, &a.LastFetchedAt, &a.CreatedAt)
	if err != nil {
		return err, nil
	}
	a.Id, _ = uuid.Parse(idStr)
	a.InstanceId, _ = uuid.Parse(instanceIdStr)
	return nil, &a
}

func (db *DB) CreateActor(a *domain.Actor) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertActor,
			a.Id.String(), a.Kind, a.Name, a.Domain, a.ProfileURI, a.InboxURI, a.SharedInboxURI,
			a.PublicKeyPem, a.PrivateKeyPem, a.InstanceId.String(), a.DisplayName, a.Summary,
			a.Banned, a.Deleted, a.LastFetchedAt, a.CreatedAt)
		return err
	})
}

func (db *DB) UpdateActor(a *domain.Actor) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateActor,
			a.DisplayName, a.Summary, a.InboxURI, a.SharedInboxURI,
			a.PublicKeyPem, a.Banned, a.Deleted, a.LastFetchedAt, a.Id.String())
		return err
	})
}

func (db *DB) FindActorByURL(profileURI string) (error, *domain.Actor) {
	// Prefer an unbanned row when banned duplicates share the URI.
	row := db.db.QueryRow(`SELECT `+actorColumns+` FROM actors WHERE profile_uri = ?
                        ORDER BY banned ASC, deleted ASC, created_at DESC LIMIT 1`, profileURI)
	return scanActor(row)
}

func (db *DB) FindActorById(id uuid.UUID) (error, *domain.Actor) {
	row := db.db.QueryRow(`SELECT `+actorColumns+` FROM actors WHERE id = ?`, id.String())
	return scanActor(row)
}

func (db *DB) FindActorByURLKinds(profileURI string, kinds ...domain.ActorKind) (error, *domain.Actor) {
	if len(kinds) == 0 {
		return db.FindActorByURL(profileURI)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(kinds)), ",")
	args := []any{profileURI}
	for _, k := range kinds {
		args = append(args, k)
	}
	row := db.db.QueryRow(fmt.Sprintf(`SELECT %s FROM actors WHERE profile_uri = ? AND kind IN (%s)
                        ORDER BY banned ASC, deleted ASC, created_at DESC LIMIT 1`, actorColumns, placeholders), args...)
	return scanActor(row)
}

func (db *DB) FindLocalActor(kind domain.ActorKind, name string) (error, *domain.Actor) {
	row := db.db.QueryRow(`SELECT `+actorColumns+` FROM actors
                        WHERE kind = ? AND name = ? AND domain = '' LIMIT 1`, kind, name)
	return scanActor(row)
}

func (db *DB) FindUnbannedCommunityByURI(profileURI string) (error, *domain.Actor) {
	row := db.db.QueryRow(`SELECT `+actorColumns+` FROM actors
                        WHERE profile_uri = ? AND kind = ? AND banned = 0 AND deleted = 0
                        ORDER BY created_at DESC LIMIT 1`, profileURI, domain.KindCommunity)
	return scanActor(row)
}

func (db *DB) TombstoneActor(profileURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlTombstoneActor, profileURI)
		return err
	})
}

// Instance queries
const (
	instanceColumns = `id, domain, inbox_uri, software, version, online, dormant, gone_forever,
                        failure_count, vote_weight, last_seen_at, created_at`

	sqlInsertInstance = `INSERT INTO instances(id, domain, inbox_uri, software, version, online, dormant,
                        gone_forever, failure_count, vote_weight, last_seen_at, created_at)
                        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateInstance = `UPDATE instances SET inbox_uri = ?, software = ?, version = ?, online = ?,
                        dormant = ?, gone_forever = ?, failure_count = ?, vote_weight = ?, last_seen_at = ?
                        WHERE id = ?`
)

func scanInstance(row interface{ Scan(...any) error }) (error, *domain.Instance) {
	var inst domain.Instance
	var idStr string
	err := row.Scan(&idStr, &inst.Domain, &inst.InboxURI, &inst.Software, &inst.Version,
		&inst.Online, &inst.Dormant, &inst.GoneForever, &inst.FailureCount, &inst.VoteWeight,
		&inst.LastSeenAt, &inst.CreatedAt)
	if err != nil {
		return err, nil
	}
	inst.Id, _ = uuid.Parse(idStr)
	return nil, &inst
}

func (db *DB) CreateInstance(inst *domain.Instance) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertInstance,
			inst.Id.String(), inst.Domain, inst.InboxURI, inst.Software, inst.Version,
			inst.Online, inst.Dormant, inst.GoneForever, inst.FailureCount, inst.VoteWeight,
			inst.LastSeenAt, inst.CreatedAt)
		return err
	})
}

func (db *DB) UpdateInstance(inst *domain.Instance) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateInstance,
			inst.InboxURI, inst.Software, inst.Version, inst.Online,
			inst.Dormant, inst.GoneForever, inst.FailureCount, inst.VoteWeight, inst.LastSeenAt,
			inst.Id.String())
		return err
	})
}

func (db *DB) FindInstanceByDomain(dom string) (error, *domain.Instance) {
	row := db.db.QueryRow(`SELECT `+instanceColumns+` FROM instances WHERE domain = ?`, dom)
	return scanInstance(row)
}

func (db *DB) FindInstanceById(id uuid.UUID) (error, *domain.Instance) {
	row := db.db.QueryRow(`SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id.String())
	return scanInstance(row)
}

// Entity queries
const (
	entityColumns = `id, kind, object_uri, author_uri, community_id, title, body, url,
                        sensitive, locked, deleted, in_reply_to_uri, edited_at, created_at`

	// Update-before-Create converges: the second write lands on the same row.
	sqlUpsertEntity = `INSERT INTO entities(id, kind, object_uri, author_uri, community_id, title, body, url,
                        sensitive, locked, deleted, in_reply_to_uri, edited_at, created_at)
                        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
                        ON CONFLICT(object_uri) DO UPDATE SET
                        title = excluded.title, body = excluded.body, url = excluded.url,
                        sensitive = excluded.sensitive, in_reply_to_uri = excluded.in_reply_to_uri,
                        edited_at = excluded.edited_at,
                        community_id = CASE WHEN excluded.community_id != ? THEN excluded.community_id ELSE community_id END`

	sqlSetEntityDeleted  = `UPDATE entities SET deleted = ? WHERE object_uri = ?`
	sqlSetEntityFeatured = `UPDATE entities SET featured = ? WHERE object_uri = ?`
	sqlSetEntityLocked   = `UPDATE entities SET locked = ? WHERE object_uri = ?`

	sqlLockThread = `WITH RECURSIVE thread(uri) AS (
                        SELECT object_uri FROM entities WHERE object_uri = ?
                        UNION
                        SELECT e.object_uri FROM entities e JOIN thread t ON e.in_reply_to_uri = t.uri
                        )
                        UPDATE entities SET locked = ? WHERE object_uri IN (SELECT uri FROM thread)`
)

func (db *DB) CreateOrUpdateEntity(e *domain.Entity) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		var editedAt sql.NullTime
		if e.EditedAt != nil {
			editedAt = sql.NullTime{Time: *e.EditedAt, Valid: true}
		}
		_, err := tx.Exec(sqlUpsertEntity,
			e.Id.String(), e.Kind, e.ObjectURI, e.AuthorURI, e.CommunityId.String(),
			e.Title, e.Body, e.URL, e.Sensitive, e.Locked, e.Deleted, e.InReplyToURI,
			editedAt, e.CreatedAt,
			uuid.Nil.String())
		return err
	})
}

func (db *DB) FindEntityByURI(objectURI string) (error, *domain.Entity) {
	row := db.db.QueryRow(`SELECT `+entityColumns+` FROM entities WHERE object_uri = ?`, objectURI)
	var e domain.Entity
	var idStr, communityIdStr string
	var editedAt sql.NullTime
	err := row.Scan(&idStr, &e.Kind, &e.ObjectURI, &e.AuthorURI, &communityIdStr,
		&e.Title, &e.Body, &e.URL, &e.Sensitive, &e.Locked, &e.Deleted, &e.InReplyToURI,
		&editedAt, &e.CreatedAt)
	if err != nil {
		return err, nil
	}
	e.Id, _ = uuid.Parse(idStr)
	e.CommunityId, _ = uuid.Parse(communityIdStr)
	if editedAt.Valid {
		t := editedAt.Time
		e.EditedAt = &t
	}
	return nil, &e
}

func (db *DB) SetEntityDeleted(objectURI string, deleted bool) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlSetEntityDeleted, deleted, objectURI)
		return err
	})
}

func (db *DB) SetEntityLocked(objectURI string, locked bool, recursive bool) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if recursive {
			_, err := tx.Exec(sqlLockThread, objectURI, locked)
			return err
		}
		_, err := tx.Exec(sqlSetEntityLocked, locked, objectURI)
		return err
	})
}

func (db *DB) SetEntityFeatured(objectURI string, featured bool) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlSetEntityFeatured, featured, objectURI)
		return err
	})
}

// Vote queries
const (
	sqlUpsertVote = `INSERT INTO votes(id, actor_uri, object_uri, score, weight, created_at)
                        VALUES (?, ?, ?, ?, ?, ?)
                        ON CONFLICT(actor_uri, object_uri) DO UPDATE SET
                        score = excluded.score, weight = excluded.weight, created_at = excluded.created_at`
	sqlDeleteVote = `DELETE FROM votes WHERE actor_uri = ? AND object_uri = ?`
)

func (db *DB) RecordVote(v *domain.Vote) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertVote,
			v.Id.String(), v.ActorURI, v.ObjectURI, v.Score, v.Weight, v.CreatedAt)
		return err
	})
}

func (db *DB) RemoveVote(actorURI, objectURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlDeleteVote, actorURI, objectURI)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// Follow queries
const (
	followColumns = `id, account_id, target_account_id, uri, accepted, pending, created_at`

	sqlInsertFollow        = `INSERT INTO follows(id, account_id, target_account_id, uri, accepted, pending, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlAcceptFollowByURI   = `UPDATE follows SET accepted = 1, pending = 0 WHERE uri = ?`
	sqlDeleteFollowByURI   = `DELETE FROM follows WHERE uri = ?`
	sqlDeleteFollowByPair  = `DELETE FROM follows WHERE account_id = ? AND target_account_id = ?`
	sqlCountFollowers      = `SELECT COUNT(*) FROM follows WHERE target_account_id = ? AND accepted = 1`
	sqlSubscriberInstances = `SELECT DISTINCT i.id, i.domain, i.inbox_uri, i.software, i.version, i.online,
                        i.dormant, i.gone_forever, i.failure_count, i.vote_weight, i.last_seen_at, i.created_at
                        FROM instances i
                        JOIN actors a ON a.instance_id = i.id
                        JOIN follows f ON f.account_id = a.id
                        WHERE f.target_account_id = ? AND f.accepted = 1 AND i.gone_forever = 0`
)

func scanFollow(row interface{ Scan(...any) error }) (error, *domain.Follow) {
	var fl domain.Follow
	var idStr, accountIdStr, targetIdStr string
	err := row.Scan(&idStr, &accountIdStr, &targetIdStr, &fl.URI, &fl.Accepted, &fl.Pending, &fl.CreatedAt)
	if err != nil {
		return err, nil
	}
	fl.Id, _ = uuid.Parse(idStr)
	fl.AccountId, _ = uuid.Parse(accountIdStr)
	fl.TargetAccountId, _ = uuid.Parse(targetIdStr)
	return nil, &fl
}

func (db *DB) CreateFollow(fl *domain.Follow) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertFollow,
			fl.Id.String(), fl.AccountId.String(), fl.TargetAccountId.String(),
			fl.URI, fl.Accepted, fl.Pending, fl.CreatedAt)
		return err
	})
}

func (db *DB) FindFollowByURI(uri string) (error, *domain.Follow) {
	row := db.db.QueryRow(`SELECT `+followColumns+` FROM follows WHERE uri = ?`, uri)
	return scanFollow(row)
}

func (db *DB) FindFollowByActors(accountId, targetAccountId uuid.UUID) (error, *domain.Follow) {
	row := db.db.QueryRow(`SELECT `+followColumns+` FROM follows WHERE account_id = ? AND target_account_id = ?`,
		accountId.String(), targetAccountId.String())
	return scanFollow(row)
}

func (db *DB) AcceptFollowByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlAcceptFollowByURI, uri)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

func (db *DB) DeleteFollowByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlDeleteFollowByURI, uri)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

func (db *DB) DeleteFollowByActors(accountId, targetAccountId uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlDeleteFollowByPair, accountId.String(), targetAccountId.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

func (db *DB) CountFollowers(actorId uuid.UUID) (error, int) {
	var count int
	err := db.db.QueryRow(sqlCountFollowers, actorId.String()).Scan(&count)
	return err, count
}

func (db *DB) SubscriberInstances(actorId uuid.UUID) (error, *[]domain.Instance) {
	rows, err := db.db.Query(sqlSubscriberInstances, actorId.String())
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var instances []domain.Instance
	for rows.Next() {
		err, inst := scanInstance(rows)
		if err != nil {
			return err, &instances
		}
		instances = append(instances, *inst)
	}
	if err = rows.Err(); err != nil {
		return err, &instances
	}
	return nil, &instances
}

// Moderation queries
const (
	sqlInsertModerator  = `INSERT OR IGNORE INTO moderators(community_id, actor_id, created_at) VALUES (?, ?, ?)`
	sqlDeleteModerator  = `DELETE FROM moderators WHERE community_id = ? AND actor_id = ?`
	sqlIsModerator      = `SELECT COUNT(*) FROM moderators WHERE actor_id = ? AND community_id = ?`
	sqlIsAdmin          = `SELECT COUNT(*) FROM admins WHERE actor_id = ?`
	sqlInsertAdmin      = `INSERT OR IGNORE INTO admins(actor_id, created_at) VALUES (?, ?)`
	sqlModeratorInboxes = `SELECT a.inbox_uri FROM actors a
                        JOIN moderators m ON m.actor_id = a.id
                        WHERE m.community_id = ? AND a.domain != ''`
	sqlUpsertCommunityBan = `INSERT OR IGNORE INTO community_bans(id, profile_uri, scope, created_at) VALUES (?, ?, ?, ?)`
	sqlDeleteCommunityBan = `DELETE FROM community_bans WHERE profile_uri = ? AND scope = ?`
)

func (db *DB) IsModerator(actorId, communityId uuid.UUID) (error, bool) {
	var count int
	err := db.db.QueryRow(sqlIsModerator, actorId.String(), communityId.String()).Scan(&count)
	return err, count > 0
}

func (db *DB) IsAdmin(actorId uuid.UUID) (error, bool) {
	var count int
	err := db.db.QueryRow(sqlIsAdmin, actorId.String()).Scan(&count)
	return err, count > 0
}

func (db *DB) AddModerator(communityId, actorId uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertModerator, communityId.String(), actorId.String(), time.Now())
		return err
	})
}

func (db *DB) RemoveModerator(communityId, actorId uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteModerator, communityId.String(), actorId.String())
		return err
	})
}

func (db *DB) MakeAdmin(actorId uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAdmin, actorId.String(), time.Now())
		return err
	})
}

// SetActorBanned applies a ban. Site scope flips the actor row; a community
// scope records a scoped ban without touching the global flag.
func (db *DB) SetActorBanned(profileURI, scope string, banned bool) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if scope == "site" {
			_, err := tx.Exec(sqlBanActorSite, banned, profileURI)
			return err
		}
		if banned {
			_, err := tx.Exec(sqlUpsertCommunityBan, uuid.New().String(), profileURI, scope, time.Now())
			return err
		}
		_, err := tx.Exec(sqlDeleteCommunityBan, profileURI, scope)
		return err
	})
}

func (db *DB) IsBannedFrom(profileURI, scope string) (error, bool) {
	var count int
	err := db.db.QueryRow(`SELECT COUNT(*) FROM community_bans WHERE profile_uri = ? AND scope = ?`,
		profileURI, scope).Scan(&count)
	return err, count > 0
}

func (db *DB) CreateReport(r *domain.Report) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO reports(id, reporter_uri, object_uri, community_id, reason, created_at)
                        VALUES (?, ?, ?, ?, ?, ?)`,
			r.Id.String(), r.ReporterURI, r.ObjectURI, r.CommunityId.String(), r.Reason, r.CreatedAt)
		return err
	})
}

func (db *DB) CreateModlogEntry(m *domain.ModlogEntry) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO modlog(id, action, actor_uri, target_uri, scope, reason, created_at)
                        VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.Id.String(), m.Action, m.ActorURI, m.TargetURI, m.Scope, m.Reason, m.CreatedAt)
		return err
	})
}

func (db *DB) ModeratorInboxes(communityId uuid.UUID) (error, *[]string) {
	rows, err := db.db.Query(sqlModeratorInboxes, communityId.String())
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var inboxes []string
	for rows.Next() {
		var inbox string
		if err := rows.Scan(&inbox); err != nil {
			return err, &inboxes
		}
		inboxes = append(inboxes, inbox)
	}
	if err = rows.Err(); err != nil {
		return err, &inboxes
	}
	return nil, &inboxes
}

func (db *DB) ReadModlog(limit int) (error, *[]domain.ModlogEntry) {
	rows, err := db.db.Query(`SELECT id, action, actor_uri, target_uri, scope, reason, created_at
                        FROM modlog ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var entries []domain.ModlogEntry
	for rows.Next() {
		var m domain.ModlogEntry
		var idStr string
		if err := rows.Scan(&idStr, &m.Action, &m.ActorURI, &m.TargetURI, &m.Scope, &m.Reason, &m.CreatedAt); err != nil {
			return err, &entries
		}
		m.Id, _ = uuid.Parse(idStr)
		entries = append(entries, m)
	}
	if err = rows.Err(); err != nil {
		return err, &entries
	}
	return nil, &entries
}

// Send queue queries
const (
	sendColumns = `id, inbox_uri, actor_key_id, private_key_pem, activity_json, attempts, retry_reason, send_after, created_at`

	sqlInsertSend = `INSERT INTO send_queue(id, inbox_uri, actor_key_id, private_key_pem, activity_json,
                        attempts, retry_reason, send_after, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlPendingSends      = `SELECT ` + sendColumns + ` FROM send_queue WHERE send_after <= ? ORDER BY send_after ASC LIMIT ?`
	sqlUpdateSendAttempt = `UPDATE send_queue SET attempts = ?, retry_reason = ?, send_after = ? WHERE id = ?`
	sqlDeleteSend        = `DELETE FROM send_queue WHERE id = ?`
	sqlDeleteSendsForDom = `DELETE FROM send_queue WHERE inbox_uri LIKE '%://' || ? || '/%'`
)

func (db *DB) EnqueueSend(item *domain.SendQueueItem) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertSend,
			item.Id.String(), item.InboxURI, item.ActorKeyId, item.PrivateKeyPem, item.ActivityJSON,
			item.Attempts, item.RetryReason, item.SendAfter, item.CreatedAt)
		return err
	})
}

func (db *DB) PendingSends(limit int) (error, *[]domain.SendQueueItem) {
	rows, err := db.db.Query(sqlPendingSends, time.Now(), limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var items []domain.SendQueueItem
	for rows.Next() {
		var item domain.SendQueueItem
		var idStr string
		if err := rows.Scan(&idStr, &item.InboxURI, &item.ActorKeyId, &item.PrivateKeyPem, &item.ActivityJSON,
			&item.Attempts, &item.RetryReason, &item.SendAfter, &item.CreatedAt); err != nil {
			return err, &items
		}
		item.Id, _ = uuid.Parse(idStr)
		items = append(items, item)
	}
	if err = rows.Err(); err != nil {
		return err, &items
	}
	return nil, &items
}

func (db *DB) UpdateSendAttempt(id uuid.UUID, attempts int, reason string, sendAfter time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateSendAttempt, attempts, reason, sendAfter, id.String())
		return err
	})
}

func (db *DB) DeleteSend(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteSend, id.String())
		return err
	})
}

func (db *DB) DeleteSendsForDomain(dom string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteSendsForDom, dom)
		return err
	})
}

// Batch queries. AppendToBatch grows the JSON payload array of the row keyed
// by (instance, community), creating the row on first append.
func (db *DB) AppendToBatch(instanceId, communityId uuid.UUID, payload string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRow(`SELECT payload_json FROM activity_batches WHERE instance_id = ? AND community_id = ?`,
			instanceId.String(), communityId.String()).Scan(&existing)
		if err == sql.ErrNoRows {
			initial, merr := json.Marshal([]json.RawMessage{json.RawMessage(payload)})
			if merr != nil {
				return merr
			}
			_, err = tx.Exec(`INSERT INTO activity_batches(id, instance_id, community_id, payload_json, created_at)
                        VALUES (?, ?, ?, ?, ?)`,
				uuid.New().String(), instanceId.String(), communityId.String(), string(initial), time.Now())
			return err
		}
		if err != nil {
			return err
		}

		var arr []json.RawMessage
		if err := json.Unmarshal([]byte(existing), &arr); err != nil {
			return err
		}
		arr = append(arr, json.RawMessage(payload))
		merged, err := json.Marshal(arr)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE activity_batches SET payload_json = ? WHERE instance_id = ? AND community_id = ?`,
			string(merged), instanceId.String(), communityId.String())
		return err
	})
}

func (db *DB) DrainBatches(limit int) (error, *[]domain.ActivityBatch) {
	rows, err := db.db.Query(`SELECT id, instance_id, community_id, payload_json, created_at
                        FROM activity_batches ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var batches []domain.ActivityBatch
	for rows.Next() {
		var b domain.ActivityBatch
		var idStr, instStr, commStr string
		if err := rows.Scan(&idStr, &instStr, &commStr, &b.PayloadJSON, &b.CreatedAt); err != nil {
			return err, &batches
		}
		b.Id, _ = uuid.Parse(idStr)
		b.InstanceId, _ = uuid.Parse(instStr)
		b.CommunityId, _ = uuid.Parse(commStr)
		batches = append(batches, b)
	}
	if err = rows.Err(); err != nil {
		return err, &batches
	}
	return nil, &batches
}

func (db *DB) DeleteBatch(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM activity_batches WHERE id = ?`, id.String())
		return err
	})
}

func (db *DB) EnqueueNotification(actorId uuid.UUID, kind, objectURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO notifications(id, actor_id, kind, object_uri, created_at)
                        VALUES (?, ?, ?, ?, ?)`,
			uuid.New().String(), actorId.String(), kind, objectURI, time.Now())
		return err
	})
}
