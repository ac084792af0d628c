// Command pulse runs the Pulse daemon, or queries/mutates a running one
// from the command line.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/normanking/pulse/internal/config"
	"github.com/normanking/pulse/internal/daemon"
	"github.com/normanking/pulse/internal/logging"
	"github.com/normanking/pulse/internal/mutate"
	"github.com/normanking/pulse/internal/state"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(os.Args[2:])
	case "status":
		err = statusCmd(os.Args[2:])
	case "mutate":
		err = mutateCmd(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "pulse:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: pulse <run|status|mutate> [flags]")
}

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "path to the pulse config file")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *verbose {
		logging.SetLevel(slog.LevelDebug)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("initializing daemon: %w", err)
	}

	return d.Run(context.Background())
}

func statusCmd(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	stateDir := fs.String("state-dir", defaultStateDir(), "state directory of a running pulse daemon")
	host := fs.String("host", "127.0.0.1", "daemon HTTP host")
	port := fs.Int("port", 9719, "daemon HTTP port")
	if err := fs.Parse(args); err != nil {
		return err
	}

	resp, err := http.Get(fmt.Sprintf("http://%s:%d/state", *host, *port))
	if err != nil {
		return reportFromDiskState(*stateDir)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding status response: %w", err)
	}
	return printJSON(body)
}

func reportFromDiskState(stateDir string) error {
	s := state.New(filepath.Join(stateDir, "state.json"))
	f, err := s.Load()
	if err != nil {
		return fmt.Errorf("reading state from disk (daemon unreachable): %w", err)
	}
	return printJSON(f)
}

func mutateCmd(args []string) error {
	fs := flag.NewFlagSet("mutate", flag.ExitOnError)
	host := fs.String("host", "127.0.0.1", "daemon HTTP host")
	port := fs.Int("port", 9719, "daemon HTTP port")
	stateDir := fs.String("state-dir", defaultStateDir(), "state directory of a running pulse daemon")
	mutationType := fs.String("type", "", "mutation type, e.g. adjust_weight")
	target := fs.String("target", "", "drive name, if applicable")
	value := fs.Float64("value", 0, "numeric value, if applicable")
	weight := fs.Float64("weight", 0, "weight, for add_drive")
	reason := fs.String("reason", "", "human-readable reason recorded in the audit log")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *mutationType == "" {
		return fmt.Errorf("--type is required")
	}

	mut := mutate.Mutation{
		Type:   mutate.Type(*mutationType),
		Target: *target,
		Value:  *value,
		Weight: *weight,
		Reason: *reason,
	}

	body, err := json.Marshal(mut)
	if err != nil {
		return fmt.Errorf("encoding mutation request: %w", err)
	}

	resp, err := http.Post(fmt.Sprintf("http://%s:%d/config", *host, *port), "application/json", bytes.NewReader(body))
	if err != nil {
		return enqueueOffline(*stateDir, mut)
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding mutation response: %w", err)
	}
	return printJSON(result)
}

// enqueueOffline appends mut to the daemon's durable mutation queue file
// under the same advisory lock the running daemon uses, for when the
// daemon's HTTP surface is unreachable. The daemon drains the queue on
// its next loop iteration.
func enqueueOffline(stateDir string, mut mutate.Mutation) error {
	queuePath := filepath.Join(stateDir, "mutations.json")
	m := mutate.New(nil, nil, nil, nil, nil, queuePath)
	if err := m.Enqueue(mut); err != nil {
		return fmt.Errorf("daemon unreachable, queuing mutation to disk: %w", err)
	}
	return printJSON(map[string]string{"status": "queued", "queue_path": queuePath})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "pulse.yaml"
	}
	return filepath.Join(home, ".pulse", "pulse.yaml")
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pulse"
	}
	return filepath.Join(home, ".pulse")
}
