package main

import (
	"fmt"

	"github.com/sorintlab/pgcoord/changefeed"
	"github.com/sorintlab/pgcoord/listennotify"
	"github.com/sorintlab/pgcoord/sink"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var listenCmd = &cobra.Command{
	Use:   "listen [channel...]",
	Short: "listen for notifications on the provided channels (or the configured ones)",
	Run:   run(listen),
}

type listenOptions struct {
	triggerPayloads bool
}

var listenOpts listenOptions

func init() {
	rootCmd.AddCommand(listenCmd)

	listenCmd.Flags().BoolVar(&listenOpts.triggerPayloads, "trigger-payloads", false, "decode the payloads sent by the notify trigger and forward them as change events")
}

func listen(cmd *cobra.Command, args []string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}

	channels := args
	if len(channels) == 0 {
		channels = c.Listener.Channels
	}
	if len(channels) == 0 {
		return errors.New("no channels to listen on")
	}

	serveMetrics(c.Metrics.Listen)

	var s *sink.NatsSink
	if listenOpts.triggerPayloads && c.Nats.URL != "" {
		if s, err = sink.NewNatsSink(c.Nats.URL, c.Nats.SubjectPrefix); err != nil {
			return err
		}
		defer s.Close()
	}

	callback := func(channel, payload string) error {
		if !listenOpts.triggerPayloads {
			fmt.Printf("%s\t%s\n", channel, payload)
			return nil
		}
		ev, err := changefeed.ParseTriggerPayload(payload)
		if err != nil {
			return err
		}
		ev.Metadata[changefeed.MetadataChannel] = channel
		if s != nil {
			return s.Send(ev)
		}
		data, err := sink.Encode(ev)
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	ctx, cancel := signalContext()
	defer cancel()

	lnf := listennotify.NewPGListenerFactory(c.DB.ConnString, c.Listener.MinReconnectInterval.Duration(), c.Listener.MaxReconnectInterval.Duration())
	registry := listennotify.NewRegistry(lnf, listennotify.RegistryConfig{})
	defer func() {
		if err := registry.CloseAll(c.Listener.StopTimeout.Duration()); err != nil {
			log.Errorf("failed to stop listeners: %+v", err)
		}
	}()

	sub, err := registry.Start(ctx, channels, callback, c.Listener.ConnectTimeout.Duration())
	if err != nil {
		return err
	}
	log.Infof("listening on channels %v", sub.Channels())

	select {
	case <-ctx.Done():
		log.Infof("stopping")
		return nil
	case <-sub.Done():
		return sub.Err()
	}
}
