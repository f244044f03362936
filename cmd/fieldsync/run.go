package main

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldcrew/fieldsync/internal/config"
	"github.com/fieldcrew/fieldsync/internal/realtime"
	"github.com/fieldcrew/fieldsync/internal/syncengine"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			noRealtime, _ := cmd.Flags().GetBool("no-realtime")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.run(ctx, !noRealtime)
		},
	}
	cmd.Flags().Bool("no-realtime", false, "do not connect to the realtime channel")
	return cmd
}

// run wires every trigger source into the engine: startup and SIGUSR1 count
// as foreground transitions, the optional poll timer raises more, realtime
// events come from the listener and config edits are applied live.
func (a *app) run(ctx context.Context, withRealtime bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	foreground := make(chan struct{}, 1)
	raise := func() {
		select {
		case foreground <- struct{}{}:
		default:
		}
	}
	raise()

	var wg sync.WaitGroup
	var events chan realtime.Event
	if withRealtime && a.cfg.EmployeeID != "" {
		if endpoint := a.cfg.RealtimeEndpoint(); endpoint != "" {
			listener, err := realtime.NewListener(realtime.Options{
				URL:        endpoint,
				Token:      a.cfg.Token,
				EmployeeID: a.cfg.EmployeeID,
				Logger:     a.logger,
			})
			if err != nil {
				return err
			}
			events = make(chan realtime.Event, 16)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := listener.Run(ctx, events); err != nil {
					a.logger.Warn("realtime listener stopped", "error", err)
				}
			}()
		}
	}

	if a.configPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := config.Watch(ctx, a.configPath, a.logger, a.applyConfig); err != nil {
				a.logger.Warn("config watch stopped", "error", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		notifyForeground(ctx, raise)
	}()

	if a.cfg.PollInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pollForeground(ctx, a.cfg.PollInterval, a.cfg.PollJitter, raise)
		}()
	}

	err := a.engine.Run(ctx, syncengine.Triggers{
		Realtime:   events,
		Foreground: foreground,
	})
	cancel()
	wg.Wait()
	return err
}

// pollForeground raises a foreground trigger on a jittered interval.
func pollForeground(ctx context.Context, interval time.Duration, jitter float64, raise func()) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(config.JitteredInterval(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			raise()
			timer.Reset(config.JitteredInterval(interval, jitter, rng.Float64()))
		}
	}
}
