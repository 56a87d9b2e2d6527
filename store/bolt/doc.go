// Package bolt provides a checkpoint.Backend on a local BoltDB file.
//
// Buckets nest as database/container/thread, and each thread bucket holds a
// "checkpoints" bucket keyed by checkpoint ID and a "writes" bucket with one
// sub-bucket per checkpoint. Keys sort byte-wise, so the newest checkpoint of
// a thread is the last key of its bucket.
//
//	store, err := bolt.New(bolt.Options{Path: "data/checkpoints.db"})
//	if err != nil {
//		return err
//	}
//	saver := checkpoint.NewSaver(store, checkpoint.Options{})
package bolt
