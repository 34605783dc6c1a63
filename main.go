package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"paddlearena/server/internal/auth"
	"paddlearena/server/internal/config"
	"paddlearena/server/internal/replay"
	"paddlearena/server/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:   "arena",
		Usage:  "real-time paddle match and tournament server",
		Writer: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to a YAML configuration file",
				EnvVars: []string{"ARENA_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			tokenCommand(),
			replayCommand(),
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadFile(strings.TrimSpace(c.String("config")))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP, WebSocket and spectator servers",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "apply pending database migrations",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
			defer cancel()
			st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Migrate(); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "migrations applied (%s)\n", cfg.Database.Driver)
			return nil
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:      "token",
		Usage:     "mint a session credential for a user",
		ArgsUsage: "<user-id>",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "ttl", Usage: "credential lifetime (defaults to the configured token TTL)"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			subject := strings.TrimSpace(c.Args().First())
			if subject == "" {
				return errors.New("user id is required")
			}
			ttl := cfg.Auth.TokenTTL
			if c.IsSet("ttl") {
				ttl = c.Duration("ttl")
			}
			token, err := auth.Issue(cfg.Auth.Secret, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, token)
			return nil
		},
	}
}

func replayCommand() *cli.Command {
	dirFlag := &cli.StringFlag{Name: "dir", Usage: "archive root (defaults to the configured replay directory)"}
	return &cli.Command{
		Name:  "replay",
		Usage: "inspect archived matches",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list archived matches, oldest first",
				Flags: []cli.Flag{dirFlag, &cli.BoolFlag{Name: "json", Usage: "emit JSON"}},
				Action: func(c *cli.Context) error {
					root := c.String("dir")
					if root == "" {
						cfg, err := loadConfig(c)
						if err != nil {
							return err
						}
						root = cfg.Replay.Dir
					}
					entries, err := replay.Catalog(root)
					if err != nil {
						return err
					}
					if c.Bool("json") {
						return writeJSON(c.App.Writer, entries)
					}
					for _, entry := range entries {
						fmt.Fprintf(c.App.Writer, "%s  %s vs %s  %s\n", entry.Manifest.Match.MatchID, entry.Manifest.Match.Player1, entry.Manifest.Match.Player2, entry.Dir)
						if result := entry.Manifest.Result; result != nil {
							fmt.Fprintf(c.App.Writer, "  %d-%d winner=%s reason=%s\n", result.Score1, result.Score2, result.Winner, result.Reason)
						}
					}
					return nil
				},
			},
			{
				Name:      "show",
				Usage:     "summarise one archive",
				ArgsUsage: "<archive-dir>",
				Flags:     []cli.Flag{&cli.BoolFlag{Name: "events", Usage: "print every archived event"}},
				Action: func(c *cli.Context) error {
					dir := strings.TrimSpace(c.Args().First())
					if dir == "" {
						return errors.New("archive directory is required")
					}
					loader, err := replay.Load(dir)
					if err != nil {
						return err
					}
					return describeArchive(c.App.Writer, loader, c.Bool("events"))
				},
			},
		},
	}
}

// describeArchive prints the manifest followed by entry counts per kind.
func describeArchive(out io.Writer, loader *replay.Loader, withEvents bool) error {
	if err := writeJSON(out, loader.Manifest()); err != nil {
		return err
	}
	counts := make(map[string]int)
	err := loader.Replay(func(entry replay.TimelineEntry) error {
		key := entry.Type
		if entry.Kind != "" {
			key = entry.Type + ":" + entry.Kind
		}
		counts[key]++
		if withEvents && entry.Type == replay.EntryEvent {
			_, err := fmt.Fprintf(out, "tick=%d %s %s\n", entry.Tick, entry.Kind, entry.Payload)
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(out, "%s: %d\n", key, counts[key])
	}
	return nil
}

func writeJSON(out io.Writer, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(payload))
	return err
}
