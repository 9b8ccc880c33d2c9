package cmd

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jra3/vaultd/internal/eventbus"
	"github.com/jra3/vaultd/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the vaultd core as a long-lived daemon",
	Long: `serve composes the event pipeline, the single-writer host, the
sync reconciler, the rollup engine, and the scheduler (spec §2's
dataflow), and runs until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// scheduler job keys and bus event types for the three periodic
// pipelines spec §4.12 requires: sync pulls/pushes, rollup generation,
// and idempotency TTL cleanup.
const (
	jobSync       = "sync"
	jobRollupDay  = "rollup.daily"
	jobRollupWeek = "rollup.weekly"
	jobIdemPurge  = "idempotency.purge"

	eventSyncTick    = "scheduler.sync"
	eventRollupDaily = "scheduler.rollup.daily"
	eventRollupWeek  = "scheduler.rollup.weekly"
	eventIdemPurge   = "scheduler.idempotency.purge"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	zone, err := time.LoadLocation(cfg.Rollup.Zone)
	if err != nil {
		log.Printf("[serve] unknown rollup zone %q, defaulting to UTC: %v", cfg.Rollup.Zone, err)
		zone = time.UTC
	}

	if eng.recon != nil {
		eng.bus.Subscribe(eventSyncTick, func(ctx context.Context, env eventbus.Envelope) error {
			log.Printf("[serve] running sync reconciliation")
			return eng.recon.Sync(ctx)
		})
	}

	eng.bus.Subscribe(eventRollupDaily, func(ctx context.Context, env eventbus.Envelope) error {
		doc, err := eng.rollup.Daily(time.Now().In(zone), zone)
		if err != nil {
			return err
		}
		log.Printf("[serve] daily rollup: %d events, %d tasks completed, dst=%v", len(doc.Events), len(doc.TasksCompleted), doc.DSTTransition)
		return nil
	})

	eng.bus.Subscribe(eventRollupWeek, func(ctx context.Context, env eventbus.Envelope) error {
		doc, err := eng.rollup.Weekly(time.Now().In(zone), zone)
		if err != nil {
			return err
		}
		log.Printf("[serve] weekly rollup: %d events, %d tasks completed, dst=%v", len(doc.Events), len(doc.TasksCompleted), doc.DSTTransition)
		return nil
	})

	eng.bus.Subscribe(eventIdemPurge, func(ctx context.Context, env eventbus.Envelope) error {
		cutoff := time.Now().Add(-cfg.Idempotency.TTL)
		n, err := eng.idem.PurgeOlderThan(ctx, cutoff)
		if err != nil {
			return err
		}
		log.Printf("[serve] idempotency purge: removed %d fingerprints older than %s", n, cutoff.Format(time.RFC3339))
		return eng.idem.Vacuum(ctx)
	})

	sched := scheduler.New(eng.bus)

	if eng.recon != nil {
		sched.Schedule(scheduler.Job{
			Key:       jobSync,
			Trigger:   scheduler.Interval{Every: cfg.Sync.Interval},
			Policy:    scheduler.Coalesce,
			EventType: eventSyncTick,
		})
	}

	if cfg.Rollup.DailyCron != "" {
		trigger, err := scheduler.NewCron(cfg.Rollup.DailyCron, zone)
		if err != nil {
			return err
		}
		sched.Schedule(scheduler.Job{Key: jobRollupDay, Trigger: trigger, Policy: scheduler.Coalesce, EventType: eventRollupDaily})
	}
	if cfg.Rollup.WeeklyCron != "" {
		trigger, err := scheduler.NewCron(cfg.Rollup.WeeklyCron, zone)
		if err != nil {
			return err
		}
		sched.Schedule(scheduler.Job{Key: jobRollupWeek, Trigger: trigger, Policy: scheduler.Coalesce, EventType: eventRollupWeek})
	}

	sched.Schedule(scheduler.Job{
		Key:       jobIdemPurge,
		Trigger:   scheduler.Interval{Every: 24 * time.Hour},
		Policy:    scheduler.Skip,
		EventType: eventIdemPurge,
	})

	sched.Start()
	log.Printf("[serve] vaultd running against vault %s", cfg.VaultRoot)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("[serve] shutting down")
	sched.Stop()
	eng.bus.Drain(30 * time.Second)
	return nil
}
