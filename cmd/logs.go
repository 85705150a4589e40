package cmd

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/hpcloud/tail"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/pagepilot/internal/observability"
)

type logOptions struct {
	follow bool
	lines  int
	runID  string
	level  string
	raw    bool
}

func newLogsCmd() *cobra.Command {
	var opts logOptions

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show or follow the PagePilot log file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			path := cfg.Logger().LogFile
			if path == "" {
				return fmt.Errorf("file logging is disabled (logger.log_file is empty)")
			}
			return showLogs(cmd.Context(), cmd.OutOrStdout(), path, opts)
		},
	}
	logsCmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "Keep printing new entries")
	logsCmd.Flags().IntVarP(&opts.lines, "lines", "n", 50, "Number of past entries to show")
	logsCmd.Flags().StringVar(&opts.runID, "run", "", "Only show entries of this run")
	logsCmd.Flags().StringVar(&opts.level, "level", "debug", "Minimum level to show")
	logsCmd.Flags().BoolVar(&opts.raw, "raw", false, "Print the JSON entries unchanged")
	return logsCmd
}

// logFilter selects and renders JSON log entries.
type logFilter struct {
	minLevel zapcore.Level
	runID    string
	raw      bool
}

func newLogFilter(opts logOptions) (*logFilter, error) {
	f := &logFilter{runID: opts.runID, raw: opts.raw}
	if err := f.minLevel.UnmarshalText([]byte(opts.level)); err != nil {
		return nil, fmt.Errorf("invalid level %q: %w", opts.level, err)
	}
	return f, nil
}

// render returns the printable form of a log line, or false when the line is
// filtered out. Lines that are not JSON pass through unless a run filter is set.
func (f *logFilter) render(line string) (string, bool) {
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return line, f.runID == ""
	}

	level, _ := entry["level"].(string)
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err == nil && lvl < f.minLevel {
		return "", false
	}
	if f.runID != "" {
		if id, _ := entry[observability.FieldRunID].(string); id != f.runID {
			return "", false
		}
	}
	if f.raw {
		return line, true
	}

	ts, _ := entry["ts"].(string)
	name, _ := entry["logger"].(string)
	msg, _ := entry["msg"].(string)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s %s: %s", ts, strings.ToUpper(level), name, msg)

	keys := make([]string, 0, len(entry))
	for k := range entry {
		switch k {
		case "ts", "level", "logger", "msg", "caller", "stacktrace":
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry[k])
	}
	return b.String(), true
}

// showLogs prints the last matching entries of path and, with follow set,
// keeps printing new ones until ctx is done.
func showLogs(ctx context.Context, w io.Writer, path string, opts logOptions) error {
	filter, err := newLogFilter(opts)
	if err != nil {
		return err
	}

	backlog, err := readBacklog(path, opts.lines, filter)
	if err != nil {
		return err
	}
	for _, line := range backlog {
		fmt.Fprintln(w, line)
	}
	if !opts.follow {
		return nil
	}

	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to follow log file: %w", err)
	}
	defer func() {
		_ = t.Stop()
		t.Cleanup()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return nil
			}
			if line.Err != nil {
				return fmt.Errorf("error reading log file: %w", line.Err)
			}
			if out, keep := filter.render(line.Text); keep {
				fmt.Fprintln(w, out)
			}
		}
	}
}

// readBacklog returns the last n rendered entries of the file.
func readBacklog(path string, n int, filter *logFilter) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	t, err := tail.TailFile(path, tail.Config{
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer t.Cleanup()

	ring := make([]string, 0, n)
	for line := range t.Lines {
		if line.Err != nil {
			return nil, fmt.Errorf("error reading log file: %w", line.Err)
		}
		out, keep := filter.render(line.Text)
		if !keep {
			continue
		}
		if len(ring) == n {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, out)
	}
	return ring, nil
}
