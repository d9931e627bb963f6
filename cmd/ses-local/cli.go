package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/jasonberkes/ses-local/internal/config"
	"github.com/jasonberkes/ses-local/internal/control"
	"github.com/jasonberkes/ses-local/internal/daemon"
	"github.com/jasonberkes/ses-local/internal/db"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp() *cli.App {
	app := &cli.App{
		Name:    "ses-local",
		Usage:   "Local conversation capture and sync daemon",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "base-dir", Usage: "State directory (default ~/.ses)"},
		},
		Commands: []*cli.Command{
			runCmd(),
			statusCmd(),
			searchCmd(),
			shutdownCmd(),
		},
	}
	return app
}

func baseDir(c *cli.Context) (string, error) {
	if dir := c.String("base-dir"); dir != "" {
		return dir, nil
	}
	return daemon.BaseDir()
}

func runCmd() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the capture daemon in the foreground",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "Debug logging"},
		},
		Action: func(c *cli.Context) error {
			dir, err := baseDir(c)
			if err != nil {
				return err
			}
			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}

			level := slog.LevelInfo
			if c.Bool("verbose") {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			d := daemon.New(cfg, daemon.Options{BaseDir: dir}, logger)
			return d.Run(c.Context)
		},
	}
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the running daemon's status",
		Action: func(c *cli.Context) error {
			dir, err := baseDir(c)
			if err != nil {
				return err
			}
			return controlGet(dir, "/api/status")
		},
	}
}

func shutdownCmd() *cli.Command {
	return &cli.Command{
		Name:  "shutdown",
		Usage: "Stop the running daemon gracefully",
		Action: func(c *cli.Context) error {
			dir, err := baseDir(c)
			if err != nil {
				return err
			}
			client, base, err := control.Client(dir)
			if err != nil {
				return err
			}
			resp, err := client.Post(base+"/api/shutdown", "application/json", nil)
			if err != nil {
				return fmt.Errorf("daemon not reachable: %w", err)
			}
			defer resp.Body.Close()
			return printBody(resp)
		},
	}
}

func searchCmd() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Full-text search over captured messages and observations",
		ArgsUsage: "<query>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20, Usage: "Max results"},
		},
		Action: func(c *cli.Context) error {
			query := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
			if query == "" {
				return fmt.Errorf("usage: ses-local search <query>")
			}
			dir, err := baseDir(c)
			if err != nil {
				return err
			}

			// Direct read of the store; WAL keeps this safe alongside a
			// running daemon.
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			store, err := db.Open(dir, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			limit := c.Int("limit")
			messages, err := store.SearchMessages(query, limit)
			if err != nil {
				return err
			}
			observations, err := store.SearchObservations(query, limit)
			if err != nil {
				return err
			}

			for _, m := range messages {
				fmt.Printf("message  %-9s  %s  %s\n",
					m.Role, m.CreatedAt.Format("2006-01-02 15:04"), excerpt(m.Content))
			}
			for _, o := range observations {
				tool := ""
				if o.ToolName != nil {
					tool = " " + *o.ToolName
				}
				fmt.Printf("obs      %-9s  %s %s\n",
					o.Type, excerpt(o.Content), tool)
			}
			if len(messages)+len(observations) == 0 {
				fmt.Println("no matches")
			}
			return nil
		},
	}
}

func controlGet(dir, path string) error {
	client, base, err := control.Client(dir)
	if err != nil {
		return err
	}
	resp, err := client.Get(base + path)
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}
	defer resp.Body.Close()
	return printBody(resp)
}

// printBody pretty-prints a JSON control-plane response to stdout.
func printBody(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
	} else {
		fmt.Println(strings.TrimSpace(string(body)))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}
	return nil
}

func excerpt(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) > 80 {
		return string(runes[:80]) + "..."
	}
	return s
}
