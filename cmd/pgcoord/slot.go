package main

import (
	"fmt"

	"github.com/sorintlab/pgcoord/changefeed"

	"github.com/spf13/cobra"
)

var slotCmd = &cobra.Command{
	Use:   "slot",
	Short: "manage replication slots",
}

var slotCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "create a logical replication slot using the configured output plugin",
	Args:  cobra.ExactArgs(1),
	Run:   run(slotCreate),
}

var slotDropCmd = &cobra.Command{
	Use:   "drop <name>",
	Short: "drop a replication slot",
	Args:  cobra.ExactArgs(1),
	Run:   run(slotDrop),
}

func init() {
	rootCmd.AddCommand(slotCmd)
	slotCmd.AddCommand(slotCreateCmd)
	slotCmd.AddCommand(slotDropCmd)
}

func newFeed() (*changefeed.PGFeed, func(), error) {
	c, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	dec, err := changefeed.NewDecoder(c.Stream.Plugin)
	if err != nil {
		return nil, nil, err
	}
	d, err := openDB(c)
	if err != nil {
		return nil, nil, err
	}
	feed := changefeed.NewPGFeed(d, dec, changefeed.PGFeedConfig{ConnectTimeout: c.Stream.ConnectTimeout.Duration()})
	return feed, func() {
		feed.Close()
		d.Close()
	}, nil
}

func slotCreate(cmd *cobra.Command, args []string) error {
	feed, closeFeed, err := newFeed()
	if err != nil {
		return err
	}
	defer closeFeed()

	ctx, cancel := signalContext()
	defer cancel()

	lsn, err := feed.CreateSlot(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("slot %s created at %s\n", args[0], lsn)
	return nil
}

func slotDrop(cmd *cobra.Command, args []string) error {
	feed, closeFeed, err := newFeed()
	if err != nil {
		return err
	}
	defer closeFeed()

	ctx, cancel := signalContext()
	defer cancel()

	return feed.DropSlot(ctx, args[0])
}
