package client

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

type statusCmd struct{}

func (c *statusCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the sweep's counters, budgets, and halt flag",
	}
}

func (c *statusCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	trialStore, err := cl.dial()
	if err != nil {
		return err
	}
	ctx := context.Background()

	counts, err := trialStore.Counts(ctx)
	if err != nil {
		return fmt.Errorf("Error getting counts: %v", err)
	}
	limits, err := trialStore.Limits(ctx)
	if err != nil {
		return fmt.Errorf("Error getting limits: %v", err)
	}
	halted, err := trialStore.Halted(ctx)
	if err != nil {
		return fmt.Errorf("Error getting halt flag: %v", err)
	}

	fmt.Printf("Trials:   %d/%d created, %d reserved, %d completed, %d broken, %d interrupted\n",
		counts.Created, limits.MaxTrials, counts.Reserved, counts.Completed, counts.Broken, counts.Interrupted)
	fmt.Printf("Budgets:  max_broken=%d n_workers=%d reservation_timeout=%v max_attempts=%d\n",
		limits.MaxBroken, limits.NWorkers, limits.ReservationTimeout, limits.MaxAttempts)
	fmt.Println("Halted:  ", halted)
	return nil
}
