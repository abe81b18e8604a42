package db

import (
	"database/sql"
	"log"
)

const (
	sqlCreateActorsTable = `CREATE TABLE IF NOT EXISTS actors(
                        id uuid NOT NULL PRIMARY KEY,
                        kind int NOT NULL,
                        name varchar(100) NOT NULL,
                        domain varchar(255) NOT NULL DEFAULT '',
                        profile_uri varchar(1000) NOT NULL COLLATE NOCASE,
                        inbox_uri varchar(1000) NOT NULL,
                        shared_inbox_uri varchar(1000) NOT NULL DEFAULT '',
                        public_key_pem text NOT NULL DEFAULT '',
                        private_key_pem text NOT NULL DEFAULT '',
                        instance_id uuid,
                        display_name varchar(255) NOT NULL DEFAULT '',
                        summary text NOT NULL DEFAULT '',
                        banned int NOT NULL DEFAULT 0,
                        deleted int NOT NULL DEFAULT 0,
                        last_fetched_at timestamp,
                        created_at timestamp default current_timestamp
                        )`

	sqlCreateInstancesTable = `CREATE TABLE IF NOT EXISTS instances(
                        id uuid NOT NULL PRIMARY KEY,
                        domain varchar(255) UNIQUE NOT NULL,
                        inbox_uri varchar(1000) NOT NULL,
                        software varchar(100) NOT NULL DEFAULT '',
                        version varchar(50) NOT NULL DEFAULT '',
                        online int NOT NULL DEFAULT 1,
                        dormant int NOT NULL DEFAULT 0,
                        gone_forever int NOT NULL DEFAULT 0,
                        failure_count int NOT NULL DEFAULT 0,
                        vote_weight real NOT NULL DEFAULT 1.0,
                        last_seen_at timestamp,
                        created_at timestamp default current_timestamp
                        )`

	sqlCreateEntitiesTable = `CREATE TABLE IF NOT EXISTS entities(
                        id uuid NOT NULL PRIMARY KEY,
                        kind int NOT NULL,
                        object_uri varchar(1000) UNIQUE NOT NULL COLLATE NOCASE,
                        author_uri varchar(1000) NOT NULL,
                        community_id uuid,
                        title varchar(500) NOT NULL DEFAULT '',
                        body text NOT NULL DEFAULT '',
                        url varchar(2048) NOT NULL DEFAULT '',
                        sensitive int NOT NULL DEFAULT 0,
                        locked int NOT NULL DEFAULT 0,
                        deleted int NOT NULL DEFAULT 0,
                        featured int NOT NULL DEFAULT 0,
                        in_reply_to_uri varchar(1000) NOT NULL DEFAULT '',
                        edited_at timestamp,
                        created_at timestamp default current_timestamp
                        )`

	sqlCreateVotesTable = `CREATE TABLE IF NOT EXISTS votes(
                        id uuid NOT NULL PRIMARY KEY,
                        actor_uri varchar(1000) NOT NULL COLLATE NOCASE,
                        object_uri varchar(1000) NOT NULL COLLATE NOCASE,
                        score int NOT NULL,
                        weight real NOT NULL DEFAULT 1.0,
                        created_at timestamp default current_timestamp,
                        UNIQUE(actor_uri, object_uri)
                        )`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows(
                        id uuid NOT NULL PRIMARY KEY,
                        account_id uuid NOT NULL,
                        target_account_id uuid NOT NULL,
                        uri varchar(1000) UNIQUE NOT NULL,
                        accepted int NOT NULL DEFAULT 0,
                        pending int NOT NULL DEFAULT 0,
                        created_at timestamp default current_timestamp,
                        UNIQUE(account_id, target_account_id)
                        )`

	sqlCreateModeratorsTable = `CREATE TABLE IF NOT EXISTS moderators(
                        community_id uuid NOT NULL,
                        actor_id uuid NOT NULL,
                        created_at timestamp default current_timestamp,
                        UNIQUE(community_id, actor_id)
                        )`

	sqlCreateAdminsTable = `CREATE TABLE IF NOT EXISTS admins(
                        actor_id uuid NOT NULL PRIMARY KEY,
                        created_at timestamp default current_timestamp
                        )`

	sqlCreateCommunityBansTable = `CREATE TABLE IF NOT EXISTS community_bans(
                        id uuid NOT NULL PRIMARY KEY,
                        profile_uri varchar(1000) NOT NULL COLLATE NOCASE,
                        scope varchar(1000) NOT NULL,
                        created_at timestamp default current_timestamp,
                        UNIQUE(profile_uri, scope)
                        )`

	sqlCreateReportsTable = `CREATE TABLE IF NOT EXISTS reports(
                        id uuid NOT NULL PRIMARY KEY,
                        reporter_uri varchar(1000) NOT NULL,
                        object_uri varchar(1000) NOT NULL,
                        community_id uuid,
                        reason text NOT NULL DEFAULT '',
                        created_at timestamp default current_timestamp
                        )`

	sqlCreateModlogTable = `CREATE TABLE IF NOT EXISTS modlog(
                        id uuid NOT NULL PRIMARY KEY,
                        action varchar(50) NOT NULL,
                        actor_uri varchar(1000) NOT NULL,
                        target_uri varchar(1000) NOT NULL,
                        scope varchar(1000) NOT NULL DEFAULT 'site',
                        reason text NOT NULL DEFAULT '',
                        created_at timestamp default current_timestamp
                        )`

	sqlCreateSendQueueTable = `CREATE TABLE IF NOT EXISTS send_queue(
                        id uuid NOT NULL PRIMARY KEY,
                        inbox_uri varchar(1000) NOT NULL,
                        actor_key_id varchar(1000) NOT NULL,
                        private_key_pem text NOT NULL,
                        activity_json text NOT NULL,
                        attempts int NOT NULL DEFAULT 0,
                        retry_reason varchar(255) NOT NULL DEFAULT '',
                        send_after timestamp NOT NULL,
                        created_at timestamp default current_timestamp
                        )`

	sqlCreateBatchesTable = `CREATE TABLE IF NOT EXISTS activity_batches(
                        id uuid NOT NULL PRIMARY KEY,
                        instance_id uuid NOT NULL,
                        community_id uuid NOT NULL,
                        payload_json text NOT NULL,
                        created_at timestamp default current_timestamp,
                        UNIQUE(instance_id, community_id)
                        )`

	sqlCreateNotificationsTable = `CREATE TABLE IF NOT EXISTS notifications(
                        id uuid NOT NULL PRIMARY KEY,
                        actor_id uuid NOT NULL,
                        kind varchar(50) NOT NULL,
                        object_uri varchar(1000) NOT NULL DEFAULT '',
                        read int NOT NULL DEFAULT 0,
                        created_at timestamp default current_timestamp
                        )`
)

var migrationIndices = []string{
	// Only live rows are unique: a banned or deleted actor may be
	// re-created under the same profile URI.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_actors_profile_uri ON actors(profile_uri) WHERE banned = 0 AND deleted = 0`,
	`CREATE INDEX IF NOT EXISTS idx_actors_profile_uri_all ON actors(profile_uri)`,
	`CREATE INDEX IF NOT EXISTS idx_actors_kind_name ON actors(kind, name) WHERE domain = ''`,
	`CREATE INDEX IF NOT EXISTS idx_actors_instance ON actors(instance_id)`,
	`CREATE INDEX IF NOT EXISTS idx_entities_community ON entities(community_id)`,
	`CREATE INDEX IF NOT EXISTS idx_entities_reply ON entities(in_reply_to_uri)`,
	`CREATE INDEX IF NOT EXISTS idx_votes_object ON votes(object_uri)`,
	`CREATE INDEX IF NOT EXISTS idx_follows_target ON follows(target_account_id, accepted)`,
	`CREATE INDEX IF NOT EXISTS idx_send_queue_after ON send_queue(send_after)`,
	`CREATE INDEX IF NOT EXISTS idx_send_queue_inbox ON send_queue(inbox_uri)`,
	`CREATE INDEX IF NOT EXISTS idx_reports_community ON reports(community_id)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_actor ON notifications(actor_id, read)`,
}

// RunMigrations creates the schema. Every statement is idempotent, so this
// runs unconditionally at startup.
func (db *DB) RunMigrations() error {
	log.Println("Running federation schema migrations...")
	return db.wrapTransaction(func(tx *sql.Tx) error {
		tables := []string{
			sqlCreateActorsTable,
			sqlCreateInstancesTable,
			sqlCreateEntitiesTable,
			sqlCreateVotesTable,
			sqlCreateFollowsTable,
			sqlCreateModeratorsTable,
			sqlCreateAdminsTable,
			sqlCreateCommunityBansTable,
			sqlCreateReportsTable,
			sqlCreateModlogTable,
			sqlCreateSendQueueTable,
			sqlCreateBatchesTable,
			sqlCreateNotificationsTable,
		}
		for _, stmt := range tables {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		for _, stmt := range migrationIndices {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	})
}
