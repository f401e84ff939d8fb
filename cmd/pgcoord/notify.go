package main

import (
	"github.com/sorintlab/pgcoord/listennotify"

	"github.com/spf13/cobra"
)

var notifyCmd = &cobra.Command{
	Use:   "notify <channel> <payload>",
	Short: "send a notification",
	Args:  cobra.ExactArgs(2),
	Run:   run(notify),
}

func init() {
	rootCmd.AddCommand(notifyCmd)
}

func notify(cmd *cobra.Command, args []string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	d, err := openDB(c)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, cancel := signalContext()
	defer cancel()

	return listennotify.NewPGNotifier(d).Notify(ctx, args[0], args[1])
}
