package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/memohai/memoh-gateway/internal/channel"
	"github.com/memohai/memoh-gateway/internal/config"
	"github.com/memohai/memoh-gateway/internal/conversation"
	"github.com/memohai/memoh-gateway/internal/db"
	"github.com/memohai/memoh-gateway/internal/handlers"
	"github.com/memohai/memoh-gateway/internal/logger"
	"github.com/memohai/memoh-gateway/internal/pairing"
)

const cliApprover = "cli"

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage DM pairing requests and the allow-list",
	}
	cmd.AddCommand(pairingListCmd())
	cmd.AddCommand(pairingApproveCmd())
	cmd.AddCommand(pairingAllowCmd())
	cmd.AddCommand(pairingRevokeCmd())
	return cmd
}

// pairingEnv is the storage a pairing subcommand works on.
type pairingEnv struct {
	cfg           config.Config
	log           *slog.Logger
	conn          *sql.DB
	store         *pairing.Store
	conversations *conversation.Store
}

func openPairingEnv(ctx context.Context) (*pairingEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := logger.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err := db.Migrate(log, cfg.Storage); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	conn, dialect, err := db.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	return &pairingEnv{
		cfg:  cfg,
		log:  log,
		conn: conn,
		store: pairing.NewStore(log, conn, dialect, pairing.Options{
			TTL:        config.Duration(cfg.Pairing.TTL, time.Hour),
			MaxPending: cfg.Pairing.MaxPending,
		}),
		conversations: conversation.NewStore(log, conn, dialect),
	}, nil
}

func (e *pairingEnv) Close() error {
	return e.conn.Close()
}

func pairingListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <provider>",
		Short: "List pending pairing requests and approved senders",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := openPairingEnv(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			provider := strings.ToLower(strings.TrimSpace(args[0]))
			requests, err := env.store.ListRequests(ctx, provider)
			if err != nil {
				return err
			}
			allowed, err := env.store.ListAllowFrom(ctx, provider)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(requests) == 0 {
				fmt.Fprintln(out, "No pending pairing requests.")
			} else {
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "CODE\tSENDER\tNAME\tREQUESTED")
				for _, req := range requests {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", req.Code, req.ExternalID, req.Meta["name"], req.CreatedAt.Local().Format(time.DateTime))
				}
				_ = tw.Flush()
			}
			fmt.Fprintln(out)
			if len(allowed) == 0 {
				fmt.Fprintln(out, "No approved senders.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ALLOWED SENDER\tAPPROVED BY\tSINCE")
			for _, entry := range allowed {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", entry.ExternalID, entry.ApprovedBy, entry.CreatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
}

func pairingApproveCmd() *cobra.Command {
	var notify bool
	cmd := &cobra.Command{
		Use:   "approve <provider> <code>",
		Short: "Approve a pairing code",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := openPairingEnv(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			provider := strings.ToLower(strings.TrimSpace(args[0]))
			req, err := env.store.Approve(ctx, provider, args[1], cliApprover)
			if err != nil {
				return fmt.Errorf("approve %s: %w", args[1], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Approved %s sender %s.\n", provider, req.ExternalID)
			if !notify {
				return nil
			}
			if notifyApprovedFromCLI(ctx, env, channel.ChannelType(provider), req.ExternalID) {
				fmt.Fprintln(cmd.OutOrStdout(), "Sender notified.")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Sender could not be notified; they can message the bot now.")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&notify, "notify", true, "send the approval notice to the sender")
	return cmd
}

func pairingAllowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "allow <provider> <sender-id>",
		Short: "Approve a sender without a pairing code",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := openPairingEnv(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			if err := env.store.AddAllowFrom(ctx, args[0], args[1], cliApprover); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Allowed %s sender %s.\n", strings.ToLower(args[0]), args[1])
			return nil
		},
	}
}

func pairingRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <provider> <sender-id>",
		Short: "Remove a sender from the allow-list",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := openPairingEnv(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			removed, err := env.store.RemoveAllowFrom(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("%s sender %s is not on the allow-list", args[0], args[1])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s sender %s.\n", strings.ToLower(args[0]), args[1])
			return nil
		},
	}
}

// notifyApprovedFromCLI builds the configured adapters without connecting
// their receivers and sends the approval notice through the outbound side.
func notifyApprovedFromCLI(ctx context.Context, env *pairingEnv, provider channel.ChannelType, externalID string) bool {
	set, err := buildChannels(env.log, env.cfg, env.conversations)
	if err != nil {
		env.log.Warn("build channels for approval notice", slog.Any("error", err))
		return false
	}
	return handlers.NewApprovalNotifier(env.log, set.Registry, env.conversations).Notify(ctx, provider, externalID)
}
