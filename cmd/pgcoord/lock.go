package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sorintlab/pgcoord/lock"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var lockCmd = &cobra.Command{
	Use:   "lock <key>",
	Short: "acquire an advisory lock and hold it until interrupted",
	Long: `Acquire an advisory lock and hold it until interrupted.

The key is used as is when it's an integer, otherwise it's hashed together with the lockspace.`,
	Args: cobra.ExactArgs(1),
	Run:  run(lockRun),
}

type lockOptions struct {
	lockspace string
	shared    bool
	try       bool
	timeout   time.Duration
}

var lockOpts lockOptions

func init() {
	rootCmd.AddCommand(lockCmd)

	lockCmd.Flags().StringVar(&lockOpts.lockspace, "lockspace", "pgcoord", "lockspace of non integer keys")
	lockCmd.Flags().BoolVar(&lockOpts.shared, "shared", false, "acquire the lock in shared mode")
	lockCmd.Flags().BoolVar(&lockOpts.try, "try", false, "don't wait if the lock is held by another session")
	lockCmd.Flags().DurationVar(&lockOpts.timeout, "timeout", 0, "max time to wait for the lock (0 waits forever)")
}

func lockKey(s, lockspace string) int64 {
	if k, err := strconv.ParseInt(s, 10, 64); err == nil {
		return k
	}
	return lock.Key(lockspace, s)
}

func lockRun(cmd *cobra.Command, args []string) error {
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

	conn, err := d.Conn(ctx)
	if err != nil {
		return err
	}
	// closing the session releases its locks
	defer conn.Close()

	key := lockKey(args[0], lockOpts.lockspace)
	mode := lock.Exclusive
	if lockOpts.shared {
		mode = lock.Shared
	}
	coord := lock.NewPGCoordinator(conn, lock.PGCoordinatorConfig{LockTimeout: lockOpts.timeout})

	var ok bool
	if lockOpts.try {
		ok, err = coord.TryAcquire(ctx, key, mode)
	} else {
		ok, err = coord.Acquire(ctx, key, mode)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if !ok {
		return errors.Errorf("lock %d not acquired", key)
	}
	fmt.Printf("lock %d acquired in %s mode\n", key, mode)

	<-ctx.Done()

	if _, err := coord.Release(context.Background(), key, mode); err != nil {
		return err
	}
	fmt.Printf("lock %d released\n", key)
	return nil
}
