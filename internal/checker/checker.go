// Package checker implements the processor liveness check: it scans the
// local process table for running worker processes, flips the registry state
// for each processor and emails the operators on every transition. Meant to
// run from cron or a systemd timer alongside the workers.
package checker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/filipekp/queue/internal/notify"
	"github.com/filipekp/queue/internal/store"
)

// binaryName and workerCommand identify a live worker process: argv[0] must
// be the queued binary and the vector must carry `worker <id>`.
const (
	binaryName    = "queued"
	workerCommand = "worker"
)

// Config holds checker settings sourced from the environment.
type Config struct {
	Smtp       notify.SmtpConfig
	Recipients []string
	// ServerName identifies this host in transition emails; defaults to the
	// OS hostname.
	ServerName string
	// ProcRoot is the procfs mount to scan; defaults to /proc. Tests point it
	// at a fixture tree.
	ProcRoot string
}

// Checker flips processor liveness states based on the local process table.
type Checker struct {
	st  *store.Store
	cfg Config
	log *slog.Logger
}

// New creates a Checker over st.
func New(st *store.Store, cfg Config) *Checker {
	if cfg.ProcRoot == "" {
		cfg.ProcRoot = "/proc"
	}
	return &Checker{st: st, cfg: cfg, log: slog.Default()}
}

// Run performs one full check pass: every registered processor is inspected and
// its state updated. A transition in either direction sends one email; the
// email failing never blocks the state flip.
func (c *Checker) Run(ctx context.Context) error {
	processors, err := c.st.ListProcessors(ctx)
	if err != nil {
		return fmt.Errorf("checker: %w", err)
	}

	running, err := runningWorkers(c.cfg.ProcRoot)
	if err != nil {
		return fmt.Errorf("checker: %w", err)
	}

	for _, p := range processors {
		state := store.ProcessorDown
		if running[p.ID] {
			state = store.ProcessorUp
		}
		if state == p.State {
			continue
		}

		if err := c.st.SetProcessorState(ctx, p.ID, state); err != nil {
			c.log.Error("flip processor state", "processor", p.ID, "error", err)
			continue
		}
		c.log.Info("processor state changed",
			"processor", p.ID, "name", p.Name, "from", p.State, "to", state)

		if err := c.mailTransition(ctx, p, state); err != nil {
			c.log.Error("send transition email", "processor", p.ID, "error", err)
		}
	}
	return nil
}

// mailTransition notifies the operators of one up/down transition.
func (c *Checker) mailTransition(ctx context.Context, p store.Processor, state string) error {
	if len(c.cfg.Recipients) == 0 {
		return nil
	}

	host := c.cfg.ServerName
	if host == "" {
		host, _ = os.Hostname()
	}
	subject := fmt.Sprintf("Queue processor %q is %s", p.Name, state)
	text := fmt.Sprintf("Queue processor %q (id %d) on %s changed state: %s -> %s.",
		p.Name, p.ID, host, p.State, state)
	html := fmt.Sprintf("<p>Queue processor <strong>%s</strong> (id %d) on %s changed state: %s &rarr; <strong>%s</strong>.</p>",
		p.Name, p.ID, host, p.State, state)

	return notify.EmailSend(ctx, c.cfg.Smtp, c.cfg.Recipients, subject, html, text)
}

// runningWorkers scans procRoot for worker processes and returns the set of
// processor ids with at least one live worker. A worker is any process whose
// argument vector contains `worker <id>`.
func runningWorkers(procRoot string) (map[int64]bool, error) {
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", procRoot, err)
	}

	out := map[int64]bool{}
	for _, e := range entries {
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		// Processes may exit between ReadDir and the read; missing files are
		// not an error.
		raw, err := os.ReadFile(filepath.Join(procRoot, e.Name(), "cmdline"))
		if err != nil {
			continue
		}
		if id, ok := workerProcessorID(raw); ok {
			out[id] = true
		}
	}
	return out, nil
}

// workerProcessorID extracts the processor id from a NUL-separated cmdline if
// it is a worker invocation of the queued binary.
func workerProcessorID(cmdline []byte) (int64, bool) {
	args := strings.Split(string(bytes.TrimRight(cmdline, "\x00")), "\x00")
	if len(args) == 0 || filepath.Base(args[0]) != binaryName {
		return 0, false
	}
	for i, a := range args {
		if a != workerCommand || i+1 >= len(args) {
			continue
		}
		if id, err := strconv.ParseInt(args[i+1], 10, 64); err == nil && id > 0 {
			return id, true
		}
	}
	return 0, false
}
