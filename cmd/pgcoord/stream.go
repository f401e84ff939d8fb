package main

import (
	"context"
	"fmt"

	"github.com/sorintlab/pgcoord/changefeed"
	"github.com/sorintlab/pgcoord/listennotify"
	"github.com/sorintlab/pgcoord/lock"
	"github.com/sorintlab/pgcoord/sink"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "stream the changes of the configured replication slot",
	Run:   run(stream),
}

type streamOptions struct {
	slot       string
	createSlot bool
	consume    bool
}

var streamOpts streamOptions

func init() {
	rootCmd.AddCommand(streamCmd)

	streamCmd.Flags().StringVar(&streamOpts.slot, "slot", "", "replication slot (overrides the configured one)")
	streamCmd.Flags().BoolVar(&streamOpts.createSlot, "create-slot", false, "create the replication slot if it doesn't exist")
	streamCmd.Flags().BoolVar(&streamOpts.consume, "consume", false, "consume the changes when read instead of after they are dispatched")
}

func stream(cmd *cobra.Command, args []string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}

	slot := c.Stream.Slot
	if streamOpts.slot != "" {
		slot = streamOpts.slot
	}
	if err := changefeed.ValidateSlotName(slot); err != nil {
		return err
	}

	dec, err := changefeed.NewDecoder(c.Stream.Plugin)
	if err != nil {
		return err
	}
	filter, err := changefeed.NewTableFilter(c.Stream.Tables)
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

	serveMetrics(c.Metrics.Listen)

	feed := changefeed.NewPGFeed(d, dec, changefeed.PGFeedConfig{
		Consume:        streamOpts.consume,
		ConnectTimeout: c.Stream.ConnectTimeout.Duration(),
	})
	defer feed.Close()

	exists, err := feed.SlotExists(ctx, slot)
	if err != nil {
		return err
	}
	if !exists {
		if !streamOpts.createSlot {
			return errors.Errorf("replication slot %q doesn't exist", slot)
		}
		if _, err := feed.CreateSlot(ctx, slot); err != nil {
			return err
		}
	}

	// Take a distributed lock to have only one consumer of the slot
	lk := lock.NewPGLockFactory(c.Stream.Lockspace, d).NewLock(slot)
	log.Infof("waiting for the lock on slot %q", slot)
	if err := lk.Lock(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.Wrap(err, "failed to acquire lock")
	}
	defer func() {
		if err := lk.Unlock(context.Background()); err != nil {
			log.Errorf("failed to release lock: %+v", err)
		}
	}()

	callback := func(ev *changefeed.ChangeEvent) error {
		data, err := sink.Encode(ev)
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	if c.Nats.URL != "" {
		s, err := sink.NewNatsSink(c.Nats.URL, c.Nats.SubjectPrefix)
		if err != nil {
			return err
		}
		defer s.Close()
		callback = s.Callback()
	}

	var wake chan struct{}
	if c.Stream.WakeChannel != "" {
		wake = make(chan struct{}, 1)
		lnf := listennotify.NewPGListenerFactory(c.DB.ConnString, c.Listener.MinReconnectInterval.Duration(), c.Listener.MaxReconnectInterval.Duration())
		registry := listennotify.NewRegistry(lnf, listennotify.RegistryConfig{})
		defer registry.CloseAll(c.Listener.StopTimeout.Duration())

		// if listening fails the streamer just polls at the idle interval
		_, err := registry.Start(ctx, []string{c.Stream.WakeChannel}, func(channel, payload string) error {
			select {
			case wake <- struct{}{}:
			default:
			}
			return nil
		}, c.Listener.ConnectTimeout.Duration())
		if err != nil {
			log.Warnf("cannot listen on wake channel %q: %v", c.Stream.WakeChannel, err)
		}
	}

	streamer, err := changefeed.NewStreamer(feed, changefeed.StreamerConfig{
		Decoder:      dec,
		Filter:       filter,
		PollInterval: c.Stream.PollInterval.Duration(),
		IdleInterval: c.Stream.IdleInterval.Duration(),
		RetryInitial: c.Stream.RetryInitial.Duration(),
		RetryMax:     c.Stream.RetryMax.Duration(),
		MaxChanges:   c.Stream.MaxChanges,
		Wake:         wake,
	})
	if err != nil {
		return err
	}
	return streamer.Run(ctx, slot, callback)
}
