package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fieldcrew/fieldsync/internal/config"
	"github.com/fieldcrew/fieldsync/internal/persist"
	"github.com/fieldcrew/fieldsync/internal/queue"
	"github.com/fieldcrew/fieldsync/internal/remote"
	"github.com/fieldcrew/fieldsync/internal/store"
	"github.com/fieldcrew/fieldsync/internal/syncengine"
)

// transportRetries bounds the per-request retries of the remote client. The
// queue retry ceiling applies on top of it, once per flush.
const transportRetries = 2

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fieldsync",
		Short:         "Offline-tolerant sync client for field expenses, mileage and time",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", strings.TrimSpace(os.Getenv("FIELDSYNC_CONFIG")), "config file path")
	root.PersistentFlags().String("employee", "", "employee id (overrides employee_id)")

	root.AddCommand(
		newRunCmd(),
		newSyncCmd(),
		newPutCmd(),
		newDeleteCmd(),
		newQueueCmd(),
		newDaysCmd(),
	)
	return root
}

// app is the wired client: config, logger, persistence, queue, store, remote
// client and engine.
type app struct {
	cfg        config.Config
	configPath string
	logger     *slog.Logger
	queue      *queue.Queue
	store      *store.Store
	remote     *remote.Client
	engine     *syncengine.Engine
	closers    []func() error
}

func loadConfig(cmd *cobra.Command) (config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, "", err
	}
	if employee, _ := cmd.Flags().GetString("employee"); strings.TrimSpace(employee) != "" {
		cfg.EmployeeID = strings.TrimSpace(employee)
	}
	return cfg, path, nil
}

func openApp(cmd *cobra.Command) (*app, error) {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	a := &app{cfg: cfg, configPath: path, logger: logger}
	storeBackend, err := persist.Open(cfg.StoreDSN)
	if err != nil {
		return nil, fmt.Errorf("open store backend: %w", err)
	}
	a.closers = append(a.closers, storeBackend.Close)
	queueBackend := storeBackend
	if !cfg.SharedBackend() {
		queueBackend, err = persist.Open(cfg.QueueDSN)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("open queue backend: %w", err)
		}
		a.closers = append(a.closers, queueBackend.Close)
	}

	a.queue, err = queue.New(queue.Options{
		Backend:     queueBackend,
		DedupWindow: cfg.DedupWindow,
		Logger:      logger,
	})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}
	a.store, err = store.New(store.Options{
		Backend:  storeBackend,
		Notifier: a.queue,
		Logger:   logger,
	})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.remote = remote.New(remote.Options{
		BaseURL:        cfg.BaseURL,
		Token:          cfg.Token,
		RequestTimeout: cfg.RequestTimeout,
		MaxRetries:     transportRetries,
		Logger:         logger,
	})
	a.engine, err = syncengine.New(syncengine.Options{
		Store:             a.store,
		Queue:             a.queue,
		Remote:            a.remote,
		FlushDelay:        cfg.DebounceDelay,
		ReconcileInterval: cfg.ReconcileInterval,
		MaxRetries:        cfg.MaxRetries,
		EmployeeID:        cfg.EmployeeID,
		Logger:            logger,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.engine.SetAutoSync(cfg.AutoSync)
	return a, nil
}

// applyConfig takes the settings that may change while running.
func (a *app) applyConfig(cfg config.Config) {
	a.engine.SetAutoSync(cfg.AutoSync)
	a.engine.SetFlushDelay(cfg.DebounceDelay)
	a.engine.SetReconcileInterval(cfg.ReconcileInterval)
	a.engine.SetMaxRetries(cfg.MaxRetries)
	a.logger.Info("config reloaded",
		"auto_sync", cfg.AutoSync,
		"debounce_delay", cfg.DebounceDelay,
		"reconcile_interval", cfg.ReconcileInterval,
	)
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
