package client

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hpsched/hpsched/sweep/domain"
)

type brokenCmd struct{}

func (c *brokenCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "broken",
		Short: "Show the failed configurations and why they broke",
	}
}

func (c *brokenCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	trialStore, err := cl.dial()
	if err != nil {
		return err
	}
	trials, err := trialStore.List(context.Background(), domain.Broken.Mask())
	if err != nil {
		return fmt.Errorf("Error listing broken trials: %v", err)
	}
	if len(trials) == 0 {
		fmt.Println("No broken trials")
		return nil
	}
	for i := range trials {
		trial := &trials[i]
		fmt.Printf("%s  %s\n    %s\n", trial.ID, trial.Configuration.Key(), trial.Reason)
	}
	return nil
}
