package checkpoint

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/smallnest/checkpointer/serde"
)

// DocumentKind distinguishes the two document families sharing a container.
type DocumentKind int

const (
	// KindCheckpoint documents carry a serialized checkpoint.
	KindCheckpoint DocumentKind = iota
	// KindWrite documents carry one pending write.
	KindWrite
)

func (k DocumentKind) String() string {
	switch k {
	case KindCheckpoint:
		return "checkpoint"
	case KindWrite:
		return "write"
	default:
		return fmt.Sprintf("DocumentKind(%d)", int(k))
	}
}

// Field is a serialized payload as stored in a document. Data is either the
// serializer's JSON output or, when Encoded is set, a JSON string holding the
// base64 form of the serializer's bytes.
type Field struct {
	Data    json.RawMessage
	Encoded bool
}

// SerializeField serializes v and chooses the storage form.
func SerializeField(s serde.Serializer, v any) (Field, error) {
	raw, err := s.Dumps(v)
	if err != nil {
		return Field{}, err
	}
	if len(raw) > 0 && json.Valid(raw) {
		return Field{Data: json.RawMessage(raw)}, nil
	}

	text, err := json.Marshal(base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		return Field{}, err
	}
	return Field{Data: text, Encoded: true}, nil
}

// DeserializeField reverses SerializeField, decoding into out.
func DeserializeField(s serde.Serializer, f Field, out any) error {
	raw := []byte(f.Data)
	if f.Encoded {
		var text string
		if err := json.Unmarshal(f.Data, &text); err != nil {
			return fmt.Errorf("encoded field is not a string: %w", err)
		}
		decoded, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return fmt.Errorf("failed to decode base64 field: %w", err)
		}
		raw = decoded
	}
	return s.Loads(raw, out)
}

// Document is the unit persisted in the backing store. Checkpoint documents
// have a non-empty Checkpoint field; pending-write documents have TaskID,
// Idx, Channel, Type and Value instead.
type Document struct {
	ID                 string
	ThreadID           string
	CheckpointID       string
	ParentCheckpointID string
	Checkpoint         Field
	Metadata           Field
	NewVersions        ChannelVersions

	TaskID  string
	Idx     int
	Channel string
	Type    string
	Value   Field
}

// Kind reports which family d belongs to.
func (d *Document) Kind() DocumentKind {
	if len(d.Checkpoint.Data) > 0 {
		return KindCheckpoint
	}
	return KindWrite
}

// WriteDocumentID is the document id of the idx-th write of taskID.
func WriteDocumentID(checkpointID, taskID string, idx int) string {
	return fmt.Sprintf("%s_%s_%d", checkpointID, taskID, idx)
}

type checkpointDocJSON struct {
	ID                 string          `json:"id"`
	ThreadID           string          `json:"thread_id"`
	CheckpointID       string          `json:"checkpoint_id"`
	ParentCheckpointID string          `json:"parent_checkpoint_id,omitempty"`
	Checkpoint         json.RawMessage `json:"checkpoint"`
	CheckpointEncoded  bool            `json:"checkpoint_encoded"`
	Metadata           json.RawMessage `json:"metadata"`
	MetadataEncoded    bool            `json:"metadata_encoded"`
	NewVersions        ChannelVersions `json:"new_versions,omitempty"`
}

type writeDocJSON struct {
	ID           string          `json:"id"`
	ThreadID     string          `json:"thread_id"`
	CheckpointID string          `json:"checkpoint_id"`
	TaskID       string          `json:"task_id"`
	Idx          int             `json:"idx"`
	Channel      string          `json:"channel"`
	Type         string          `json:"type"`
	Value        json.RawMessage `json:"value"`
	ValueEncoded bool            `json:"value_encoded"`
}

type documentJSON struct {
	ID                 string          `json:"id"`
	ThreadID           string          `json:"thread_id"`
	CheckpointID       string          `json:"checkpoint_id"`
	ParentCheckpointID string          `json:"parent_checkpoint_id"`
	Checkpoint         json.RawMessage `json:"checkpoint"`
	CheckpointEncoded  bool            `json:"checkpoint_encoded"`
	Metadata           json.RawMessage `json:"metadata"`
	MetadataEncoded    bool            `json:"metadata_encoded"`
	NewVersions        ChannelVersions `json:"new_versions"`
	TaskID             string          `json:"task_id"`
	Idx                int             `json:"idx"`
	Channel            string          `json:"channel"`
	Type               string          `json:"type"`
	Value              json.RawMessage `json:"value"`
	ValueEncoded       bool            `json:"value_encoded"`
}

func rawOrNull(m json.RawMessage) json.RawMessage {
	if len(m) == 0 {
		return json.RawMessage("null")
	}
	return m
}

// MarshalJSON emits the family-specific document shape.
func (d Document) MarshalJSON() ([]byte, error) {
	if d.Kind() == KindCheckpoint {
		return json.Marshal(checkpointDocJSON{
			ID:                 d.ID,
			ThreadID:           d.ThreadID,
			CheckpointID:       d.CheckpointID,
			ParentCheckpointID: d.ParentCheckpointID,
			Checkpoint:         d.Checkpoint.Data,
			CheckpointEncoded:  d.Checkpoint.Encoded,
			Metadata:           rawOrNull(d.Metadata.Data),
			MetadataEncoded:    d.Metadata.Encoded,
			NewVersions:        d.NewVersions,
		})
	}
	return json.Marshal(writeDocJSON{
		ID:           d.ID,
		ThreadID:     d.ThreadID,
		CheckpointID: d.CheckpointID,
		TaskID:       d.TaskID,
		Idx:          d.Idx,
		Channel:      d.Channel,
		Type:         d.Type,
		Value:        rawOrNull(d.Value.Data),
		ValueEncoded: d.Value.Encoded,
	})
}

// UnmarshalJSON accepts either document shape. Unknown fields such as
// store-managed system properties are ignored.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw documentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = Document{
		ID:                 raw.ID,
		ThreadID:           raw.ThreadID,
		CheckpointID:       raw.CheckpointID,
		ParentCheckpointID: raw.ParentCheckpointID,
		Checkpoint:         Field{Data: raw.Checkpoint, Encoded: raw.CheckpointEncoded},
		Metadata:           Field{Data: raw.Metadata, Encoded: raw.MetadataEncoded},
		NewVersions:        raw.NewVersions,
		TaskID:             raw.TaskID,
		Idx:                raw.Idx,
		Channel:            raw.Channel,
		Type:               raw.Type,
		Value:              Field{Data: raw.Value, Encoded: raw.ValueEncoded},
	}
	return nil
}
