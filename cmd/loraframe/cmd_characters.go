package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var charactersCmd = &cobra.Command{
	Use:     "characters",
	Aliases: []string{"cast"},
	Short:   "List the cast with its memory health",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		chars, err := a.cast.Refresh(cmd.Context())
		if err != nil {
			return err
		}
		health := a.cast.HealthAll(cmd.Context())

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tHEALTH\tSTATUS")
		for _, ch := range chars {
			score, status := "-", "UNKNOWN"
			if st, ok := health[ch.ID]; ok {
				score = fmt.Sprintf("%.0f", st.HealthScore)
				status = st.HealthStatus
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ch.ID, ch.Name, score, status)
		}
		return tw.Flush()
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [character-id]",
	Short: "Show the episodic memory of a character",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		items := a.cast.History(cmd.Context(), args[0])
		if len(items) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no memories")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSCENE\tTAGS\tNOTES")
		for _, it := range items {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", it.ID, it.SceneIndex, strings.Join(it.Tags, ","), it.Notes)
		}
		return tw.Flush()
	},
}
