package main

import (
	"fmt"
	"strings"

	"github.com/sorintlab/pgcoord/changefeed"
	"github.com/sorintlab/pgcoord/db"

	"github.com/spf13/cobra"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "manage the triggers notifying table changes",
}

var triggerInstallCmd = &cobra.Command{
	Use:   "install <[schema.]table>...",
	Short: "install the notify function and the triggers on the provided tables",
	Args:  cobra.MinimumNArgs(1),
	Run:   run(triggerInstall),
}

var triggerDDLCmd = &cobra.Command{
	Use:   "ddl <[schema.]table>...",
	Short: "print the statements creating the notify function and triggers",
	Args:  cobra.MinimumNArgs(1),
	Run:   run(triggerDDL),
}

var triggerChannel string

func init() {
	rootCmd.AddCommand(triggerCmd)
	triggerCmd.AddCommand(triggerInstallCmd)
	triggerCmd.AddCommand(triggerDDLCmd)

	triggerCmd.PersistentFlags().StringVar(&triggerChannel, "channel", "pgcoord_changes", "notification channel")
}

func splitTable(s string) (string, string) {
	if i := strings.Index(s, "."); i >= 0 {
		return s[:i], s[i+1:]
	}
	return "", s
}

func triggerStatements(tables []string) []string {
	stmts := []string{}
	for _, t := range tables {
		schema, table := splitTable(t)
		stmts = append(stmts, changefeed.NotifyTriggerDDL(schema, table, triggerChannel)...)
	}
	return stmts
}

func triggerDDL(cmd *cobra.Command, args []string) error {
	fmt.Printf("%s;\n", strings.TrimSpace(changefeed.NotifyFunctionDDL()))
	for _, stmt := range triggerStatements(args) {
		fmt.Printf("%s;\n", stmt)
	}
	return nil
}

func triggerInstall(cmd *cobra.Command, args []string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	d, err := openDB(c)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Migrate("pgcoord", changefeed.Migrations); err != nil {
		return err
	}

	err = d.Do(func(tx *db.WrappedTx) error {
		for _, stmt := range triggerStatements(args) {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Infof("installed triggers on %v notifying on channel %q", args, triggerChannel)
	return nil
}
