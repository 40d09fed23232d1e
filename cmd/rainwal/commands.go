package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fabriziosalmi/rainwal/internal/api"
	"github.com/fabriziosalmi/rainwal/internal/api/handlers"
	"github.com/fabriziosalmi/rainwal/internal/fallback"
	"github.com/fabriziosalmi/rainwal/internal/notifications"
	"github.com/fabriziosalmi/rainwal/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	configFile string
	pruneDays  int

	rootCmd = &cobra.Command{
		Use:   "rainwal",
		Short: "Ships database write-ahead-log segments to S3-compatible object storage",
		Long: `rainwal archives WAL segments to an S3-compatible store (AWS, Ozone, MinIO),
queues them in a local fallback directory while the store is unreachable,
and prunes date partitions older than the retention window.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	archiveCmd = &cobra.Command{
		Use:   "archive <segment-path> <segment-name>",
		Short: "Archive one segment (for use as archive_command)",
		Long: `Uploads one segment. When the store cannot be reached the segment is copied
into the local fallback queue instead. Exit status 0 means the segment is
archived or safely queued; 1 means neither happened.`,
		Example: `  archive_command = 'rainwal archive %p %f'`,
		Args:    cobra.ExactArgs(2),
		RunE:    runArchive,
	}
	daemonCmd = &cobra.Command{
		Use:   "daemon",
		Short: "Watch the source directory and archive segments continuously",
		Args:  cobra.NoArgs,
		RunE:  runDaemon,
	}
	drainCmd = &cobra.Command{
		Use:   "drain",
		Short: "Upload queued fallback segments, oldest first",
		Args:  cobra.NoArgs,
		RunE:  runDrain,
	}
	pruneCmd = &cobra.Command{
		Use:   "prune",
		Short: "Delete remote date partitions older than the retention window",
		Args:  cobra.NoArgs,
		RunE:  runPrune,
	}
	restoreCmd = &cobra.Command{
		Use:     "restore <segment-name> <destination>",
		Short:   "Fetch an archived segment (for use as restore_command)",
		Example: `  restore_command = 'rainwal restore %f %p'`,
		Args:    cobra.ExactArgs(2),
		RunE:    runRestore,
	}
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show fallback queue depth and object store reachability",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default ./rainwal.yaml or /etc/rainwal/rainwal.yaml)")
	pruneCmd.Flags().IntVar(&pruneDays, "days", 0, "retention in days (default archive.retention_days)")

	rootCmd.AddCommand(archiveCmd, daemonCmd, drainCmd, pruneCmd, restoreCmd, statusCmd)
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func runArchive(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp(configFile, true)
	if err != nil {
		return err
	}
	defer a.Close()

	oneShot := worker.NewOneShot(a.uploader, a.queue, a.drainer, a.pruner,
		a.cfg.Archive.RetentionDays, a.cfg.Archive.PruneAfterUpload, a.log)
	return oneShot.Run(ctx, args[0], args[1])
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp(configFile, true)
	if err != nil {
		return err
	}
	defer a.Close()

	notifier := notifications.Multi{notifications.NewLogNotifier(a.log)}
	if a.cfg.Alerts.WebhookURL != "" {
		notifier = append(notifier, notifications.NewSlackNotifier(a.cfg.Alerts.WebhookURL))
	}
	d := worker.NewDaemon(a.cfg, a.uploader, a.queue, a.drainer, a.pruner, notifier, a.log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(gctx) })
	if addr := a.cfg.Daemon.ListenAddr; addr != "" {
		h := handlers.NewHandlers(a.queue, a.store, a.cfg.Alerts.QueueAgeThreshold, a.cfg.App.Version)
		srv := api.New(h, a.log)
		g.Go(func() error { return api.Serve(gctx, srv, addr, a.log) })
	}

	err = g.Wait()
	a.log.Info("shutdown complete")
	return err
}

func runDrain(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp(configFile, true)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.drainer.Drain(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "uploaded: %d, remaining: %d\n", len(res.Uploaded), len(res.Remaining))
	return err
}

func runPrune(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp(configFile, false)
	if err != nil {
		return err
	}
	defer a.Close()

	days := a.cfg.Archive.RetentionDays
	if cmd.Flags().Changed("days") {
		days = pruneDays
	}
	res, err := a.pruner.Prune(ctx, days)
	out := cmd.OutOrStdout()
	for _, p := range res.DeletedPartitions {
		fmt.Fprintf(out, "deleted %s\n", p)
	}
	for _, p := range res.Skipped {
		fmt.Fprintf(out, "skipped %s (not a date)\n", p)
	}
	fmt.Fprintf(out, "partitions: %d, objects: %d\n", len(res.DeletedPartitions), res.DeletedObjects)
	return err
}

func runRestore(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp(configFile, false)
	if err != nil {
		return err
	}
	defer a.Close()

	_, err = a.restorer.Restore(ctx, args[0], args[1])
	return err
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	// no queue lock: status must work next to a running daemon
	a, err := newApp(configFile, false)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	st, err := fallback.Inspect(a.cfg.Fallback.Dir)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "fallback dir:   %s\n", a.cfg.Fallback.Dir)
	fmt.Fprintf(out, "queue depth:    %d\n", st.Depth)
	if st.Depth > 0 {
		fmt.Fprintf(out, "oldest segment: %s (%s ago)\n", st.Oldest.Format(time.RFC3339), time.Since(st.Oldest).Truncate(time.Second))
	}

	if err := a.store.Ping(ctx); err != nil {
		fmt.Fprintf(out, "object store:   %s unreachable: %v\n", a.store.Provider(), err)
		a.log.Debug("store ping failed", zap.Error(err))
		return nil
	}
	fmt.Fprintf(out, "object store:   %s reachable\n", a.store.Provider())
	return nil
}
