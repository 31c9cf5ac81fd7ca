package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-fulfillment/internal/config"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/database"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/dispatch"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/fulfillment"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/logging"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/notify"
)

// env is what every subcommand works against.
type env struct {
	cfg    *config.Config
	store  *fulfillment.Store
	logger *zap.Logger
	close  func()
}

func openEnv(ctx context.Context, sections ...config.Section) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(append([]config.Section{config.SectionDatabase}, sections...)...); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := logging.New(cfg.Log, "fulfillctl")
	if err != nil {
		return nil, err
	}
	db, err := database.Connect(ctx, database.Config{URL: cfg.Database.URL, MaxConns: cfg.Database.MaxConns})
	if err != nil {
		return nil, err
	}
	return &env{
		cfg:    cfg,
		store:  fulfillment.NewStore(db, cfg.Provision.DefaultProductID),
		logger: logger,
		close: func() {
			db.Close()
			_ = logger.Sync()
		},
	}, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the fulfillments table and indexes if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.store.EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show the health counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			snap, err := e.store.HealthSnapshot(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return json.NewEncoder(out).Encode(snap)
			}
			fmt.Fprintf(out, "total:     %s\n", humanize.Comma(snap.Total))
			fmt.Fprintf(out, "verified:  %s\n", humanize.Comma(snap.Verified))
			fmt.Fprintf(out, "fulfilled: %s\n", humanize.Comma(snap.Fulfilled))
			fmt.Fprintf(out, "last 24h:  %s\n", humanize.Comma(snap.Last24h))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}

func pendingCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List fulfilled records whose credentials email was never delivered",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			recs, err := e.store.ListUnnotified(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing pending")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCHECKOUT\tVERIFICATION\tEMAIL\tPRODUCT\tFULFILLED")
			for _, r := range recs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", r.ID,
					orDash(fulfillment.Deref(r.CheckoutSessionID)),
					orDash(fulfillment.Deref(r.VerificationSessionID)),
					orDash(fulfillment.Deref(r.CustomerEmail)),
					r.ProductID,
					humanize.Time(r.UpdatedAt))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum rows")
	return cmd
}

func resendCmd() *cobra.Command {
	var checkoutID, verificationID string
	var force bool
	cmd := &cobra.Command{
		Use:   "resend",
		Short: "Send the credentials email for a fulfilled record",
		Long: `Send the credentials email again from the stored relay response.
The provisioning relay is not called.

Examples:
  fulfillctl resend --checkout cs_live_a1b2
  fulfillctl resend --verification vs_1Nx --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if checkoutID == "" && verificationID == "" {
				return errors.New("one of --checkout or --verification is required")
			}
			e, err := openEnv(cmd.Context(), config.SectionMail)
			if err != nil {
				return err
			}
			defer e.close()

			mailer, err := notify.NewSMTPNotifier(notify.SMTPConfig{
				Host:     e.cfg.Mail.Host,
				Port:     e.cfg.Mail.Port,
				Username: e.cfg.Mail.Username,
				Password: e.cfg.Mail.Password,
				From:     e.cfg.Mail.From,
			})
			if err != nil {
				return err
			}
			announcer := dispatch.NewAnnouncer(e.store, mailer, e.cfg.Mail.Subject, e.logger)

			sent, err := announcer.Resend(cmd.Context(), checkoutID, verificationID, force)
			if err != nil {
				return err
			}
			if !sent {
				fmt.Fprintln(cmd.OutOrStdout(), "already notified; use --force to send again")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sent")
			return nil
		},
	}
	cmd.Flags().StringVar(&checkoutID, "checkout", "", "Checkout session id")
	cmd.Flags().StringVar(&verificationID, "verification", "", "Verification session id")
	cmd.Flags().BoolVar(&force, "force", false, "Send even if the record was already notified")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
