package store

import (
	"database/sql"

	"aichat/internal/logging"
)

// migration adds a column that older databases may be missing. Additive only;
// existing rows get the default.
type migration struct {
	table  string
	column string
	ddl    string
}

var migrations = []migration{
	{"sessions", "character_name", `ALTER TABLE sessions ADD COLUMN character_name TEXT NOT NULL DEFAULT ''`},
	{"sessions", "total_tokens", `ALTER TABLE sessions ADD COLUMN total_tokens INTEGER NOT NULL DEFAULT 0`},
	{"sessions", "state", `ALTER TABLE sessions ADD COLUMN state TEXT NOT NULL DEFAULT 'ACTIVE'`},
	{"turns", "importance_score", `ALTER TABLE turns ADD COLUMN importance_score REAL NOT NULL DEFAULT 0.0`},
	{"summaries", "facts", `ALTER TABLE summaries ADD COLUMN facts TEXT NOT NULL DEFAULT '[]'`},
	{"summaries", "decisions", `ALTER TABLE summaries ADD COLUMN decisions TEXT NOT NULL DEFAULT '[]'`},
}

// RunMigrations applies column migrations for databases created by earlier
// schema versions.
func RunMigrations(db *sql.DB) error {
	for _, m := range migrations {
		exists, err := columnExists(db, m.table, m.column)
		if err != nil {
			return storageErr("check column "+m.table+"."+m.column, err)
		}
		if exists {
			continue
		}
		logging.Store("Migrating: adding %s.%s", m.table, m.column)
		if _, err := db.Exec(m.ddl); err != nil {
			return storageErr("migrate "+m.table+"."+m.column, err)
		}
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(`PRAGMA table_info(` + table + `)`)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
