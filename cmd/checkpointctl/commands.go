package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smallnest/checkpointer/checkpoint"
)

func newSetupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Create the database and container if they do not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSaver(cmd.Context(), func(s *checkpoint.Saver) error {
				spec := s.Container()
				fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render(fmt.Sprintf("✓ Container %s/%s is ready", spec.Database, spec.Container)))
				return nil
			})
		},
	}
}

func newGetCmd(opts *rootOptions) *cobra.Command {
	var threadID, checkpointID string
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Show a checkpoint with its metadata and pending writes",
		Long: `Show one checkpoint tuple. Without --checkpoint the latest checkpoint of
the thread is shown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSaver(cmd.Context(), func(s *checkpoint.Saver) error {
				tuple, err := s.GetTuple(cmd.Context(), checkpoint.Config{ThreadID: threadID, CheckpointID: checkpointID})
				if err != nil {
					return err
				}
				if tuple == nil {
					return fmt.Errorf("no checkpoint found for thread %q", threadID)
				}
				return printTuple(cmd.OutOrStdout(), tuple)
			})
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "Thread ID")
	cmd.Flags().StringVar(&checkpointID, "checkpoint", "", "Checkpoint ID (default: latest)")
	_ = cmd.MarkFlagRequired("thread")
	return cmd
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var (
		threadID string
		before   string
		limit    int
		filters  []string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints, newest first",
		Example: `  checkpointctl list --thread sess-1 --limit 10
  checkpointctl list --filter source=loop --filter step=3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseFilters(filters)
			if err != nil {
				return err
			}
			var cfg *checkpoint.Config
			if threadID != "" {
				cfg = &checkpoint.Config{ThreadID: threadID}
			}
			listOpts := checkpoint.ListOptions{Filter: filter, Limit: limit}
			if before != "" {
				listOpts.Before = &checkpoint.Config{ThreadID: threadID, CheckpointID: before}
			}

			return opts.withSaver(cmd.Context(), func(s *checkpoint.Saver) error {
				tuples, err := checkpoint.CollectTuples(s.List(cmd.Context(), cfg, listOpts))
				if err != nil {
					return err
				}
				return printTuples(cmd.OutOrStdout(), tuples)
			})
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "Thread ID (default: all threads)")
	cmd.Flags().StringVar(&before, "before", "", "Only checkpoints older than this checkpoint ID")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of checkpoints")
	cmd.Flags().StringArrayVarP(&filters, "filter", "f", nil, "Metadata filter as key=value; value is parsed as JSON when possible")
	return cmd
}

func newPutCmd(opts *rootOptions) *cobra.Command {
	var (
		threadID string
		parentID string
		payload  string
		metadata string
	)
	cmd := &cobra.Command{
		Use:   "put",
		Short: "Store a new checkpoint",
		Example: `  checkpointctl put --thread sess-1 --payload '{"messages":[]}' --metadata '{"source":"input","step":-1}'
  checkpointctl put --thread sess-1 --parent 0190f0c2-... --payload '{"messages":["hi"]}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var state any
			if err := json.Unmarshal([]byte(payload), &state); err != nil {
				return fmt.Errorf("invalid --payload: %w", err)
			}
			var md checkpoint.Metadata
			if metadata != "" {
				if err := json.Unmarshal([]byte(metadata), &md); err != nil {
					return fmt.Errorf("invalid --metadata: %w", err)
				}
			}

			return opts.withSaver(cmd.Context(), func(s *checkpoint.Saver) error {
				cfg := checkpoint.Config{ThreadID: threadID, CheckpointID: parentID}
				next, err := s.Put(cmd.Context(), cfg, checkpoint.NewCheckpoint(state), md, nil)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("✓ Stored checkpoint"))
				printField(cmd.OutOrStdout(), "Thread", next.ThreadID)
				printField(cmd.OutOrStdout(), "Checkpoint", next.CheckpointID)
				if parentID != "" {
					printField(cmd.OutOrStdout(), "Parent", parentID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "Thread ID")
	cmd.Flags().StringVar(&parentID, "parent", "", "Parent checkpoint ID")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "Checkpoint payload as JSON")
	cmd.Flags().StringVarP(&metadata, "metadata", "m", "", "Checkpoint metadata as a JSON object")
	_ = cmd.MarkFlagRequired("thread")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}

func newPutWritesCmd(opts *rootOptions) *cobra.Command {
	var (
		threadID     string
		checkpointID string
		taskID       string
		writes       []string
	)
	cmd := &cobra.Command{
		Use:     "put-writes",
		Short:   "Store pending writes for a checkpoint",
		Example: `  checkpointctl put-writes --thread sess-1 --checkpoint 0190f0c2-... --task agent --write messages='"hi"' --write step=2`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseWrites(writes)
			if err != nil {
				return err
			}
			return opts.withSaver(cmd.Context(), func(s *checkpoint.Saver) error {
				cfg := checkpoint.Config{ThreadID: threadID, CheckpointID: checkpointID}
				if err := s.PutWrites(cmd.Context(), cfg, parsed, taskID); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render(fmt.Sprintf("✓ Stored %d pending write(s) for task %s", len(parsed), taskID)))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "Thread ID")
	cmd.Flags().StringVar(&checkpointID, "checkpoint", "", "Checkpoint ID")
	cmd.Flags().StringVar(&taskID, "task", "", "Task ID")
	cmd.Flags().StringArrayVarP(&writes, "write", "w", nil, "Pending write as channel=value; value is parsed as JSON when possible")
	_ = cmd.MarkFlagRequired("thread")
	_ = cmd.MarkFlagRequired("checkpoint")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

// parseValue decodes s as JSON, falling back to the raw string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func splitPair(s, flag string) (string, string, error) {
	key, value, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return "", "", fmt.Errorf("invalid --%s %q: want key=value", flag, s)
	}
	return key, value, nil
}

func parseFilters(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	filter := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, value, err := splitPair(p, "filter")
		if err != nil {
			return nil, err
		}
		filter[key] = parseValue(value)
	}
	return filter, nil
}

func parseWrites(pairs []string) ([]checkpoint.Write, error) {
	writes := make([]checkpoint.Write, 0, len(pairs))
	for _, p := range pairs {
		channel, value, err := splitPair(p, "write")
		if err != nil {
			return nil, err
		}
		writes = append(writes, checkpoint.Write{Channel: channel, Value: parseValue(value)})
	}
	return writes, nil
}
