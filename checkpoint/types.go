package checkpoint

// Config addresses a conversation thread and, optionally, one checkpoint in it.
type Config struct {
	ThreadID     string `json:"thread_id" yaml:"thread_id"`
	CheckpointID string `json:"checkpoint_id,omitempty" yaml:"checkpoint_id,omitempty"`
}

// ChannelVersions maps channel names to their version at a checkpoint.
type ChannelVersions map[string]string

// Checkpoint is an immutable snapshot of a conversation's execution state.
// ID must be unique within the thread and must sort after the IDs of earlier
// checkpoints; NewID produces such IDs.
type Checkpoint struct {
	V               int             `json:"v,omitempty"`
	ID              string          `json:"id"`
	TS              string          `json:"ts,omitempty"`
	Payload         any             `json:"payload,omitempty"`
	ChannelVersions ChannelVersions `json:"channel_versions,omitempty"`
}

// Metadata is caller-supplied data stored next to a checkpoint and
// queryable with equality filters.
type Metadata map[string]any

// Write is one (channel, value) pair recorded by a task before its
// checkpoint is finalized.
type Write struct {
	Channel string
	Value   any
}

// PendingWrite is a stored Write together with its task and position.
type PendingWrite struct {
	TaskID  string
	Index   int
	Channel string
	Value   any
}

// Tuple is a checkpoint together with its address, metadata, parent pointer
// and (for GetTuple) its pending writes.
type Tuple struct {
	Config        Config
	Checkpoint    *Checkpoint
	Metadata      Metadata
	ParentConfig  *Config
	PendingWrites []PendingWrite
}

// ListOptions narrows a List call.
type ListOptions struct {
	// Filter holds equality predicates on metadata fields.
	Filter map[string]any
	// Before excludes checkpoints whose ID is >= Before.CheckpointID.
	Before *Config
	// Limit caps the number of tuples. Zero means no limit.
	Limit int
}
