package cli

import (
	"fmt"

	"github.com/ronappleton/tracker/internal/command"
	"github.com/ronappleton/tracker/internal/progress"
	"github.com/spf13/cobra"
)

type sendFlags struct {
	kind   string
	output string
}

func (f *sendFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.kind, "kind", string(progress.KindOther), "Workflow kind")
	cmd.Flags().StringVarP(&f.output, "output", "o", "text", "Output format: text, json or yaml")
}

func controlCmd(name, short string) *cobra.Command {
	var f sendFlags
	cmd := &cobra.Command{
		Use:   name + " <workflow-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(cmd, f, args[0], name, command.Payload{})
		},
	}
	f.bind(cmd)
	return cmd
}

func selectSitesCmd() *cobra.Command {
	var f sendFlags
	cmd := &cobra.Command{
		Use:   "select-sites <workflow-id> <site>...",
		Short: "Choose the discovered sites to continue with",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(cmd, f, args[0], string(command.SelectSites), command.Payload{Sites: args[1:]})
		},
	}
	f.bind(cmd)
	return cmd
}

func createAgentsCmd() *cobra.Command {
	var (
		f       sendFlags
		agentID string
		sites   []string
	)
	cmd := &cobra.Command{
		Use:   "create-agents <workflow-id>",
		Short: "Create competitor agents from a finished discovery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(cmd, f, args[0], string(command.CreateAgents), command.Payload{AgentID: agentID, Sites: sites})
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVar(&agentID, "agent", "", "Agent owning the competitive map")
	cmd.Flags().StringSliceVar(&sites, "site", nil, "Restrict creation to these sites (repeatable)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func send(cmd *cobra.Command, f sendFlags, id, name string, payload command.Payload) error {
	c, err := command.Parse(name)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	s, err := openSession(ctx, configPath(cmd))
	if err != nil {
		return err
	}
	defer s.close()

	if _, err := s.tracker.Track(ctx, id, progress.ParseKind(f.kind)); err != nil {
		return err
	}
	res, err := s.tracker.Send(ctx, id, c, payload)
	if err != nil {
		return err
	}
	snap, err := s.tracker.Get(ctx, id)
	if err != nil {
		return err
	}

	out, err := format(f.output, res, func() string {
		return successMsg("%s accepted for %s (request %s)", c, id, res.RequestID) + "\n" + renderSnapshot(snap)
	})
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
	return nil
}
