package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tablewire/caps/internal/config"
	"github.com/tablewire/caps/internal/logging"
	"github.com/tablewire/caps/internal/replica"
	"github.com/tablewire/caps/internal/syncer"
)

// NewTerminalCommand runs the terminal sync agent: it owns the local
// replica and drains its offline queue against the backend.
func NewTerminalCommand(opts *RootOptions) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "terminal",
		Short: "Run the terminal sync agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			return runTerminal(cfg, once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single reconcile pass and exit")
	return cmd
}

func runTerminal(cfg config.Config, once bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logging.New("caps-terminal")
	if cfg.Terminal.BackendURL == "" {
		return errors.New("terminal.backend_url is required")
	}

	rep, err := replica.Open(cfg.Terminal.ReplicaPath)
	if err != nil {
		return err
	}
	defer rep.Close()

	rec := syncer.NewReconciler(rep,
		syncer.NewHTTPBackend(cfg.Terminal.BackendURL, nil),
		log,
		syncer.WithBackoff(cfg.Sync.BackoffBase, cfg.Sync.BackoffMax),
		syncer.WithMaxAttempts(cfg.Sync.MaxAttempts),
	)

	if once {
		res, err := rec.RunPass(ctx)
		if err != nil {
			return err
		}
		log.Info("sync_pass_done", logging.Fields{
			"applied": res.Applied, "dropped": res.Dropped, "dead": res.Dead,
		})
		dead, err := rep.DeadEntries(ctx)
		if err != nil {
			return err
		}
		for _, e := range dead {
			log.Warn("sync_entry_needs_review", logging.Fields{
				"seq": e.Seq, "op": e.Op, "check_id": e.CheckID.String(), "last_error": e.LastError,
			})
		}
		return nil
	}

	err = rec.Run(ctx, cfg.Sync.Interval)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
