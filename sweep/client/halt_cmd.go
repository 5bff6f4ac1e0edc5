package client

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

type haltCmd struct{}

func (c *haltCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "halt",
		Short: "Stop the sweep; workers finish their current trial and exit",
	}
}

func (c *haltCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	trialStore, err := cl.dial()
	if err != nil {
		return err
	}
	if err := trialStore.Halt(context.Background()); err != nil {
		return fmt.Errorf("Error halting sweep: %v", err)
	}
	fmt.Println("Sweep halted")
	return nil
}
