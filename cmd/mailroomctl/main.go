// mailroomctl is the operator console for the email queue: inspect
// stats, list jobs, and issue retry/cancel/forward actions directly
// against the store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"mailroom/internal/queue"
	"mailroom/internal/queue/postgres"
)

var databaseURL string

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "mailroomctl",
		Short:         "Operate the mailroom email queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&databaseURL, "database-url",
		os.Getenv("DATABASE_URL"), "Postgres connection string")

	root.AddCommand(statsCmd(), listCmd(), retryCmd(), cancelCmd(), forwardCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context) (*postgres.Store, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("--database-url or DATABASE_URL is required")
	}
	return postgres.New(ctx, databaseURL)
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print queue counts and last activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Stats(ctx)
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
}

func listCmd() *cobra.Command {
	var status string
	var recipient string
	var limit int
	var offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, optionally filtered by status or recipient",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			if status != "" && !queue.Status(status).Valid() {
				return fmt.Errorf("unknown status %q", status)
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			jobs, err := store.List(ctx, queue.ListFilter{
				Status:    queue.Status(status),
				Recipient: recipient,
				Limit:     limit,
				Offset:    offset,
			})
			if err != nil {
				return err
			}
			for _, job := range jobs {
				fmt.Printf("%s  %-10s  p%-2d  %d/%d  %s  %s\n",
					job.ID, job.Status, job.Priority, job.Attempts,
					job.MaxAttempts, job.RecipientEmail, job.Subject)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&recipient, "recipient", "", "filter by recipient email")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>...",
		Short: "Reset failed or cancelled jobs to pending with a fresh attempt budget",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				if err := store.Retry(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("retried", args[0])
				return nil
			}
			n, err := store.RetryMany(ctx, args)
			if err != nil {
				return err
			}
			fmt.Printf("retried %d of %d\n", n, len(args))
			return nil
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>...",
		Short: "Cancel pending or failed jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				if err := store.Cancel(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("cancelled", args[0])
				return nil
			}
			n, err := store.CancelMany(ctx, args)
			if err != nil {
				return err
			}
			fmt.Printf("cancelled %d of %d\n", n, len(args))
			return nil
		},
	}
}

func forwardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forward <id> <recipient>",
		Short: "Clone a job to a new recipient, preserving the original row",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			addr, err := queue.ValidateAddress(args[1])
			if err != nil {
				return err
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			job, err := store.Forward(ctx, args[0], addr, "")
			if err != nil {
				return err
			}
			return printJSON(job)
		},
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
