// Package checkpoint persists conversation checkpoints and the pending writes
// recorded against them in a document store.
//
// Two document families share one container, partitioned by thread ID.
// Checkpoint documents use the checkpoint ID as document ID and record their
// parent; write documents use "{checkpoint_id}_{task_id}_{idx}". Serialized
// fields are stored as native JSON when the serializer emits JSON and as
// base64 text otherwise, with a companion "encoded" flag.
//
// Saver is the blocking API and AsyncSaver returns channels. Both serialize
// their store calls and retry rate-limited (429) and unavailable (503) store
// errors with exponential backoff:
//
//	err := checkpoint.WithSaver(ctx, backend, checkpoint.Options{}, func(s *checkpoint.Saver) error {
//		next, err := s.Put(ctx, checkpoint.Config{ThreadID: "t1"}, checkpoint.NewCheckpoint(state), checkpoint.Metadata{"step": 1}, nil)
//		if err != nil {
//			return err
//		}
//		tuple, err := s.GetTuple(ctx, next)
//		...
//	})
//
// Backends live under store/: Azure Cosmos DB, PostgreSQL, Redis, SQLite,
// bbolt and an in-memory store.
package checkpoint
