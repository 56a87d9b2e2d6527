// Package redis provides a Redis-backed checkpoint.Backend.
//
// Every document is stored as a JSON string under
// {prefix}{database}:{container}:doc:{len(thread_id)}:{thread_id}:{id}. The
// length prefix keeps IDs containing ':' apart. Checkpoint IDs of a
// thread live in a sorted set with equal scores so that ZREVRANGEBYLEX yields
// them newest first; pending-write IDs live in one set per checkpoint.
//
// # Key Features
//
//   - Document and index updates applied atomically with MULTI/EXEC
//   - Optional TTL on documents and index keys
//   - Works with any redis.UniversalClient (single node, sentinel, cluster)
//   - LOADING, BUSY, TRYAGAIN, CLUSTERDOWN and MASTERDOWN replies and network
//     timeouts reported as transient, so savers retry them
//
// # Basic Usage
//
//	store := redis.New(redis.Options{
//		Addr: "localhost:6379",
//		TTL:  24 * time.Hour,
//	})
//
//	saver := checkpoint.NewSaver(store, checkpoint.Options{})
//	if err := saver.Setup(ctx); err != nil {
//		return err
//	}
//	defer saver.Close()
package redis
