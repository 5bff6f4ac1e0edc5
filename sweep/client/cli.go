// Package client is the command-line client to a running sweep. It talks
// to the arbiter over HTTP or opens the sqlite file directly.
package client

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hpsched/hpsched/sweep/store"
)

const defaultArbiterAddr = "localhost:9321"

// CLIClient runs sweepctl commands.
type CLIClient interface {
	Exec() error
}

type simpleCLIClient struct {
	rootCmd *cobra.Command

	addr       string
	db         string
	trialStore store.TrialStore
}

func (c *simpleCLIClient) Exec() error {
	return c.rootCmd.Execute()
}

func NewSimpleCLIClient() (CLIClient, error) {
	c := &simpleCLIClient{}

	c.rootCmd = &cobra.Command{
		Use:                "sweepctl",
		Short:              "sweepctl inspects and controls a hyperparameter sweep",
		Run:                func(*cobra.Command, []string) {},
		PersistentPostRunE: c.Close,
	}

	c.addCmd(&statusCmd{})
	c.addCmd(&listCmd{})
	c.addCmd(&brokenCmd{})
	c.addCmd(&haltCmd{})

	return c, nil
}

// dial opens the trial store on first use. --db wins over --addr so an
// operator on the submit host can poke the file without a running arbiter.
func (c *simpleCLIClient) dial() (store.TrialStore, error) {
	if c.trialStore == nil {
		if c.db != "" {
			trialStore, err := store.OpenSqliteStore(c.db, nil)
			if err != nil {
				return nil, fmt.Errorf("Error opening sweep db: %v", err)
			}
			c.trialStore = trialStore
			return c.trialStore, nil
		}
		if c.addr == "" {
			c.addr = defaultArbiterAddr
		}
		c.trialStore = store.MakeHTTPStore("http://" + c.addr)
	}
	return c.trialStore, nil
}

// Needs cobra parameters for use from rootCmd
func (c *simpleCLIClient) Close(cmd *cobra.Command, args []string) error {
	if c.trialStore != nil {
		return c.trialStore.Close()
	}
	return nil
}

func (c *simpleCLIClient) addCmd(cmd command) {
	cobraCmd := cmd.registerFlags()
	cobraCmd.Flags().StringVar(&c.addr, "addr", "", "sweep arbiter address")
	cobraCmd.Flags().StringVar(&c.db, "db", "", "sqlite file of the sweep")
	cobraCmd.RunE = func(innerCmd *cobra.Command, args []string) error {
		return cmd.run(c, innerCmd, args)
	}
	c.rootCmd.AddCommand(cobraCmd)
}

type command interface {
	registerFlags() *cobra.Command
	run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error
}
