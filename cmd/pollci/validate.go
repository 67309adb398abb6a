package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pollci/internal/core"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [pipeline]",
		Short: "Check a pipeline definition",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.pipelinePath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				path = cfg.PipelineOrDefault()
			}

			out := cmd.OutOrStdout()
			p, err := core.LoadPipeline(path)
			if err != nil {
				fmt.Fprintln(out, failStyle.Render("✗ "+path))
				return err
			}
			fmt.Fprintf(out, "%s %s: %d stages, %d cleanup steps, polls every %s\n",
				okStyle.Render("✓"), p.Name, len(p.Stages), len(p.Cleanup), p.PollInterval(core.DefaultPollInterval))
			for i, st := range p.Stages {
				state := ""
				if st.Disabled {
					state = dimStyle.Render(" (disabled)")
				}
				fmt.Fprintf(out, "  %d. %s%s\n", i+1, st.Name, state)
			}
			return nil
		},
	}
}
