package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hpsched/hpsched/sweep/domain"
)

type listCmd struct {
	statuses string
}

func (c *listCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the sweep's trials",
	}
	cmd.Flags().StringVar(&c.statuses, "status", "", "comma-separated statuses to show (default all)")
	return cmd
}

func (c *listCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	mask := domain.MaskAll
	if c.statuses != "" {
		mask = 0
		for _, name := range strings.Split(c.statuses, ",") {
			status, err := domain.ParseStatus(strings.TrimSpace(name))
			if err != nil {
				return err
			}
			mask |= status.Mask()
		}
	}

	trialStore, err := cl.dial()
	if err != nil {
		return err
	}
	trials, err := trialStore.List(context.Background(), mask)
	if err != nil {
		return fmt.Errorf("Error listing trials: %v", err)
	}
	for i := range trials {
		printTrial(&trials[i])
	}
	fmt.Printf("%d trials\n", len(trials))
	return nil
}

func printTrial(trial *domain.Trial) {
	line := fmt.Sprintf("%s  %-11s attempt=%d  %s", trial.ID, trial.Status, trial.AttemptCount, trial.Configuration.Key())
	if trial.Status == domain.Reserved {
		line += fmt.Sprintf("  owner=%s expires=%s", trial.Owner, trial.LeaseExpiry.Format("15:04:05"))
	}
	if trial.Objective != nil {
		line += fmt.Sprintf("  objective=%v", *trial.Objective)
	}
	if trial.Reason != "" {
		line += fmt.Sprintf("  reason=%q", trial.Reason)
	}
	fmt.Println(line)
}
