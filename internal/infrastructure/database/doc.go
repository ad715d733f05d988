// Package database provides the SQLite connection behind the exchange
// audit log.
//
// The database runs with a single connection, optional WAL mode and a busy
// timeout, and is created with 0600 permissions. Schema changes are plain
// SQL files applied by Migrate:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with a
// matching .down.sql, and only ever add to the schema.
package database
