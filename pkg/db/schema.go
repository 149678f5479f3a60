package db

import (
	"fmt"
	"regexp"

	"go.uber.org/zap"
)

var keyspacePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,47}$`)

// Tables are created in order; each statement is idempotent.
var Tables = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id text PRIMARY KEY,
		username text,
		email text,
		password_hash text,
		token_version int,
		created_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS user_logins (
		login text PRIMARY KEY,
		user_id text
	)`,
	`CREATE TABLE IF NOT EXISTS teams (
		id text PRIMARY KEY,
		name text,
		owner_id text,
		member_ids set<text>,
		created_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS teams_by_owner (
		owner_id text,
		name text,
		team_id text,
		PRIMARY KEY (owner_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS team_memberships (
		user_id text,
		team_id text,
		PRIMARY KEY (user_id, team_id)
	)`,
	`CREATE TABLE IF NOT EXISTS channels (
		id text PRIMARY KEY,
		team_id text,
		name text,
		visibility text,
		member_ids set<text>,
		created_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS channels_by_team (
		team_id text,
		name text,
		channel_id text,
		PRIMARY KEY (team_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS direct_channels (
		team_id text,
		participants text,
		channel_id text,
		PRIMARY KEY (team_id, participants)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		channel_id text,
		id bigint,
		team_id text,
		user_id text,
		text text,
		edited boolean,
		created_at timestamp,
		updated_at timestamp,
		PRIMARY KEY (channel_id, id)
	) WITH CLUSTERING ORDER BY (id DESC)`,
	`CREATE TABLE IF NOT EXISTS direct_messages (
		thread_key text,
		id bigint,
		team_id text,
		sender_id text,
		receiver_id text,
		text text,
		created_at timestamp,
		PRIMARY KEY (thread_key, id)
	) WITH CLUSTERING ORDER BY (id DESC)`,
	`CREATE TABLE IF NOT EXISTS user_conversations (
		user_id text,
		team_id text,
		other_user_id text,
		last_updated timestamp,
		PRIMARY KEY (user_id, team_id, other_user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_counters (
		user_id text,
		team_id text,
		other_user_id text,
		unread_count counter,
		PRIMARY KEY (user_id, team_id, other_user_id)
	)`,
}

// CreateKeyspace must run on a session opened against the system keyspace.
func CreateKeyspace(s *Session, keyspace string, replication int) error {
	if !keyspacePattern.MatchString(keyspace) {
		return fmt.Errorf("invalid keyspace name %q", keyspace)
	}
	if replication < 1 {
		replication = 1
	}
	stmt := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : %d }`, keyspace, replication)
	return s.Query(stmt).Exec()
}

// Migrate creates every table in Tables.
func Migrate(s *Session, log *zap.Logger) error {
	for _, stmt := range Tables {
		if err := s.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	log.Info("Schema up to date", zap.Int("tables", len(Tables)))
	return nil
}

// Drop removes every table. Used by the drop command in development.
func Drop(s *Session, log *zap.Logger) error {
	for _, name := range TableNames() {
		if err := s.Query("DROP TABLE IF EXISTS " + name).Exec(); err != nil {
			return fmt.Errorf("drop %s: %w", name, err)
		}
		log.Info("Table dropped", zap.String("table", name))
	}
	return nil
}

var tableNamePattern = regexp.MustCompile(`CREATE TABLE IF NOT EXISTS (\w+)`)

func TableNames() []string {
	names := make([]string, 0, len(Tables))
	for _, stmt := range Tables {
		if m := tableNamePattern.FindStringSubmatch(stmt); m != nil {
			names = append(names, m[1])
		}
	}
	return names
}
