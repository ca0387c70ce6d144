package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/mattn/go-sqlite3"
)

// ============================================================================
// Database
// ============================================================================

const (
	MsgDatabaseTableError  = "Failed to create table: %w"
	MsgDatabasePragmaError = "Failed to set pragma %s: %w"
	MsgDBParseGuildIDFail  = "failed to parse guild ID '%s' for mod action %d: %w"
	MsgDBParseUserIDFail   = "failed to parse user ID '%s' for mod action %d: %w"
)

var DB *sql.DB

func InitDatabase(ctx context.Context, dataSourceName string) error {
	_ = sqlite3.SQLiteDriver{}

	var err error
	DB, err = sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return err
	}

	DB.SetMaxOpenConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;",
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := DB.ExecContext(initCtx, p); err != nil {
			return fmt.Errorf(MsgDatabasePragmaError, p, err)
		}
	}

	tx, err := DB.BeginTx(initCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tableQueries := []string{
		`CREATE TABLE IF NOT EXISTS bot_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS mod_actions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			guild_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			moderator_id TEXT NOT NULL,
			action TEXT NOT NULL,
			reason TEXT,
			expires_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mod_actions_guild_user ON mod_actions(guild_id, user_id)`,
	}

	for _, q := range tableQueries {
		if _, err := tx.ExecContext(initCtx, q); err != nil {
			return fmt.Errorf(MsgDatabaseTableError, err)
		}
	}

	return tx.Commit()
}

func CloseDatabase() {
	if DB != nil {
		DB.Close()
	}
}

// BotConfig helpers are used by the loader for mode tracking and state.
func GetBotConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := DB.QueryRowContext(ctx, "SELECT value FROM bot_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func SetBotConfig(ctx context.Context, key, value string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO bot_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// ============================================================================
// Moderation Audit Log
// ============================================================================

type ModAction struct {
	ID          int64
	GuildID     snowflake.ID
	UserID      snowflake.ID
	ModeratorID snowflake.ID
	Action      string
	Reason      string
	ExpiresAt   *time.Time
	CreatedAt   time.Time
}

func RecordModAction(ctx context.Context, a *ModAction) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO mod_actions (guild_id, user_id, moderator_id, action, reason, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.GuildID.String(), a.UserID.String(), a.ModeratorID.String(), a.Action, a.Reason, a.ExpiresAt)
	return err
}

func GetModActionsForUser(ctx context.Context, guildID, userID snowflake.ID, limit int) ([]*ModAction, error) {
	rows, err := DB.QueryContext(ctx, `
		SELECT id, guild_id, user_id, moderator_id, action, reason, expires_at, created_at
		FROM mod_actions WHERE guild_id = ? AND user_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, guildID.String(), userID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*ModAction
	for rows.Next() {
		a := &ModAction{}
		var gid, uid, mid string
		var reason sql.NullString
		var expiresAt sql.NullTime
		if err := rows.Scan(&a.ID, &gid, &uid, &mid, &a.Action, &reason, &expiresAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.GuildID, err = snowflake.Parse(gid)
		if err != nil {
			return nil, fmt.Errorf(MsgDBParseGuildIDFail, gid, a.ID, err)
		}
		a.UserID, err = snowflake.Parse(uid)
		if err != nil {
			return nil, fmt.Errorf(MsgDBParseUserIDFail, uid, a.ID, err)
		}
		a.ModeratorID, _ = snowflake.Parse(mid)
		a.Reason = reason.String
		if expiresAt.Valid {
			t := expiresAt.Time
			a.ExpiresAt = &t
		}
		actions = append(actions, a)
	}
	return actions, nil
}
