// kioskctl administers the kiosk registry: it registers kiosks, rotates
// their credentials and inspects connection state. It talks to the same
// Redis instance as tunnel-server and reads the same environment.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Prescott-Data/kiosk-tunnel/internal/auth"
	"github.com/Prescott-Data/kiosk-tunnel/internal/config"
	"github.com/Prescott-Data/kiosk-tunnel/internal/registry"
)

type app struct {
	registry registry.Registry
	verifier *auth.Verifier
	close    func() error
}

func newApp() (*app, error) {
	cfg, err := config.LoadServer()
	if err != nil {
		return nil, err
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	return &app{
		registry: registry.NewRedisRegistry(rdb),
		verifier: auth.NewVerifier(cfg.JWTSecret, cfg.JWTExpiration),
		close:    rdb.Close,
	}, nil
}

func main() {
	var a *app

	root := &cobra.Command{
		Use:           "kioskctl",
		Short:         "Administer the kiosk tunnel registry",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			a, err = newApp()
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a != nil {
				return a.close()
			}
			return nil
		},
	}

	var name string
	create := &cobra.Command{
		Use:   "create <kiosk-id>",
		Short: "Register a kiosk and print its connection token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := args[0]
			exists, err := a.registry.Exists(ctx, id)
			if err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("kiosk %s already exists", id)
			}
			token, err := a.verifier.Issue(id)
			if err != nil {
				return err
			}
			if err := a.registry.CreateKiosk(ctx, id, token, name); err != nil {
				return err
			}
			fmt.Printf("kiosk %s created\ntoken: %s\n", id, token)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "human-readable kiosk name")

	rotate := &cobra.Command{
		Use:   "rotate-token <kiosk-id>",
		Short: "Issue and store a fresh connection token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := args[0]
			token, err := a.verifier.Issue(id)
			if err != nil {
				return err
			}
			if err := a.registry.UpdateCredential(ctx, id, token); err != nil {
				return err
			}
			fmt.Printf("token rotated for %s\ntoken: %s\n", id, token)
			return nil
		},
	}

	enable := &cobra.Command{
		Use:   "enable <kiosk-id>",
		Short: "Allow the kiosk to connect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.registry.EnableKiosk(cmd.Context(), args[0])
		},
	}

	disable := &cobra.Command{
		Use:   "disable <kiosk-id>",
		Short: "Refuse new connections from the kiosk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.registry.DisableKiosk(cmd.Context(), args[0])
		},
	}

	del := &cobra.Command{
		Use:   "delete <kiosk-id>",
		Short: "Remove the kiosk and its stored credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.registry.DeleteKiosk(cmd.Context(), args[0])
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered kiosks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kiosks, err := a.registry.AllKiosks(cmd.Context())
			if err != nil {
				return err
			}
			if len(kiosks) == 0 {
				fmt.Println("no kiosks registered")
				return nil
			}
			fmt.Printf("%-20s %-20s %-8s %-8s %s\n", "ID", "NAME", "ENABLED", "STATUS", "CREATED")
			for _, k := range kiosks {
				fmt.Printf("%-20s %-20s %-8s %-8s %s\n", k.ID, k.Name, strconv.FormatBool(k.Enabled), k.Status, k.CreatedAt)
			}
			return nil
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate tunnel counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.registry.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("requests_total: %d\nerrors_total:   %d\navg_latency:    %.3fs\n",
				s.RequestsTotal, s.ErrorsTotal, s.AvgLatency)
			return nil
		},
	}

	var limit int
	history := &cobra.Command{
		Use:   "history",
		Short: "Show recent connection events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := a.registry.ConnectionHistory(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, ev := range events {
				at := time.Unix(int64(ev.Timestamp), 0).UTC().Format(time.RFC3339)
				fmt.Printf("%s  %-12s %s\n", at, ev.Event, ev.KioskID)
			}
			return nil
		},
	}
	history.Flags().IntVar(&limit, "limit", 20, "number of events to show")

	root.AddCommand(create, rotate, enable, disable, del, list, stats, history)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "kioskctl:", err)
		os.Exit(1)
	}
}
