package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ronappleton/tracker/internal/progress"
	"github.com/ronappleton/tracker/internal/reconcile"
	"github.com/spf13/cobra"
)

func watchCmd() *cobra.Command {
	var (
		kind   string
		output string
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "watch <workflow-id>",
		Short: "Follow a workflow's progress until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := openSession(ctx, configPath(cmd))
			if err != nil {
				return err
			}
			defer s.close()

			id := args[0]
			if _, err := s.tracker.Track(ctx, id, progress.ParseKind(kind)); err != nil {
				return err
			}
			updates, cancel, err := s.tracker.Watch(ctx, id)
			if err != nil {
				return err
			}
			defer cancel()

			return watch(ctx, updates, output, follow, func(text string) {
				fmt.Fprint(cmd.OutOrStdout(), text)
			})
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(progress.KindOther), "Workflow kind (discovery, relevance_analysis, agent_creation, training)")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text, json or yaml")
	cmd.Flags().BoolVar(&follow, "follow", false, "Keep watching after the workflow reaches a terminal status")
	return cmd
}

// watch prints every snapshot from updates until ctx ends or, unless follow
// is set, the workflow reaches a terminal status.
func watch(ctx context.Context, updates <-chan reconcile.Snapshot, output string, follow bool, print func(string)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-updates:
			text, err := format(output, snap, func() string { return renderSnapshot(snap) + "\n" })
			if err != nil {
				return err
			}
			print(text)
			if !follow && progress.IsTerminal(snap.Workflow.Status) {
				return nil
			}
		}
	}
}
