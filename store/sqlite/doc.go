// Package sqlite provides a SQLite-backed checkpoint.Backend.
//
// Checkpoint and pending-write documents share one table named after the
// saver's container. Each row keeps the full document as JSON text next to
// the columns used for filtering and ordering, so metadata filters are
// evaluated with json_extract.
//
// # Key Features
//
//   - Serverless, file-based database
//   - Rows keyed by (thread_id, id), so checkpoint IDs only need to be unique per thread
//   - Indexes derived from the container's composite index policy
//   - SQLITE_BUSY and SQLITE_LOCKED reported as transient, so savers retry them
//
// # Basic Usage
//
//	store, err := sqlite.New(sqlite.Options{
//		Path:              "./checkpoints.db",
//		BusyTimeoutMillis: 5000,
//	})
//	if err != nil {
//		return err
//	}
//
//	saver := checkpoint.NewSaver(store, checkpoint.Options{})
//	if err := saver.Setup(ctx); err != nil {
//		return err
//	}
//	defer saver.Close()
//
// # Schema
//
//	CREATE TABLE checkpoints (
//		thread_id TEXT NOT NULL,
//		id TEXT NOT NULL,
//		kind TEXT NOT NULL,            -- "checkpoint" or "write"
//		checkpoint_id TEXT NOT NULL,
//		task_id TEXT NOT NULL DEFAULT '',
//		idx INTEGER NOT NULL DEFAULT 0,
//		doc TEXT NOT NULL,
//		PRIMARY KEY (thread_id, id)
//	);
//
// SQLite compares TEXT with the BINARY collation, which gives the byte-wise
// checkpoint ordering savers expect.
//
// An in-memory database needs a shared cache ("file::memory:?cache=shared"),
// otherwise each pooled connection sees its own empty database.
package sqlite
