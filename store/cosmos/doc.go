// Package cosmos provides a checkpoint.Backend on Azure Cosmos DB for NoSQL.
//
// Checkpoints and pending writes share one container partitioned by
// /thread_id. The two document families are told apart by whether the
// checkpoint field is defined. Queries for one thread stay inside its logical
// partition; listing across threads issues a cross-partition query whose
// pages are all read and then ordered and limited on the client.
//
// Throttling (429) and unavailability (503) surface as transient
// checkpoint.StatusError values, so savers retry them.
//
//	store, err := cosmos.New(cosmos.Options{
//		Endpoint: os.Getenv("COSMOSDB_ENDPOINT"),
//		Key:      os.Getenv("COSMOSDB_KEY"),
//	})
//	if err != nil {
//		return err
//	}
//	saver := checkpoint.NewSaver(store, checkpoint.Options{})
package cosmos
