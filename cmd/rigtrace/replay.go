package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/verte-zerg/rigtrace/internal/chart"
	"github.com/verte-zerg/rigtrace/internal/config"
	"github.com/verte-zerg/rigtrace/internal/correlate"
	"github.com/verte-zerg/rigtrace/internal/live"
	"github.com/verte-zerg/rigtrace/internal/logging"
	"github.com/verte-zerg/rigtrace/internal/model"
	"github.com/verte-zerg/rigtrace/internal/replay"
	"github.com/verte-zerg/rigtrace/internal/session"
	"github.com/verte-zerg/rigtrace/internal/store"
)

const defaultReplayStep = replay.DefaultStep

var (
	replayStep  float64
	replayPrint bool
	replayColor bool

	sessionsSince string
	sessionsLast  int
	sessionsPrune bool

	watchInterval time.Duration
)

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <session>",
		Short: "Scrub through a recorded session",
		Args:  cobra.ExactArgs(1),
		RunE:  runReplayCmd,
	}
	cmd.Flags().Float64Var(&replayStep, "step", defaultReplayStep, "cursor step in seconds")
	cmd.Flags().BoolVar(&replayPrint, "print", false, "print a static plot instead of the interactive screen")
	cmd.Flags().BoolVar(&replayColor, "color", false, "force colored output")
	return cmd
}

func replayOptions(fileCfg config.FileConfig) replay.Options {
	step := defaultReplayStep
	if fileCfg.Replay.Step != nil {
		step = *fileCfg.Replay.Step
	}
	return replay.Options{Step: step, Color: chart.ShouldUseColor(os.Stdout, false)}
}

func runReplayCmd(cmd *cobra.Command, args []string) error {
	fileCfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyFloatConfig(cmd, "step", &replayStep, fileCfg.Replay.Step)
	if replayStep <= 0 {
		return fmt.Errorf("--step must be > 0")
	}
	closer, err := setupLogging(replayPrint)
	if err != nil {
		return err
	}
	defer closeLog(closer)

	sess, err := resolveSession(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if replayPrint {
		idx, err := buildIndex(sess)
		if err != nil {
			return err
		}
		return printSession(cmd.OutOrStdout(), sess, idx, chart.ShouldUseColor(cmd.OutOrStdout(), replayColor))
	}
	return openReplay(sess, replay.Options{
		Step:  replayStep,
		Color: chart.ShouldUseColor(os.Stdout, replayColor),
	})
}

// resolveSession accepts a session directory, an ID under the sessions
// directory, or an ID recorded in the catalog.
func resolveSession(ctx context.Context, ref string) (model.Session, error) {
	sess, err := session.Open(ref, sessionsDir)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, session.ErrNotFound) {
		return model.Session{}, err
	}
	st, serr := store.Open(config.DefaultDBPath())
	if serr != nil {
		return model.Session{}, err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logErrf("failed to close db: %v\n", cerr)
		}
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	sum, gerr := st.GetSession(ctx, ref)
	if gerr != nil {
		return model.Session{}, err
	}
	return session.Open(sum.Dir, "")
}

func buildIndex(sess model.Session) (*correlate.Index, error) {
	idx, err := correlate.Build(sess)
	if err != nil {
		return nil, err
	}
	log := logging.NewLogger("replay").WithField("session", sess.ID)
	if idx.SkippedRows > 0 || idx.SkippedFrames > 0 {
		log.WithField("rows", idx.SkippedRows).WithField("frames", idx.SkippedFrames).Warn("skipped unreadable entries")
	}
	return idx, nil
}

func openReplay(sess model.Session, opts replay.Options) error {
	idx, err := buildIndex(sess)
	if err != nil {
		return err
	}
	program := tea.NewProgram(replay.NewModel(sess, idx, opts), tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("failed to run replay TUI: %w", err)
	}
	return nil
}

func printSession(w io.Writer, sess model.Session, idx *correlate.Index, useColor bool) error {
	lo, hi, ok := idx.SeriesRange()
	if !ok {
		_, err := fmt.Fprintf(w, "Session %s is empty.\n", sess.ID)
		return err
	}
	var series []chart.Series
	for slot, name := range idx.SeriesNames() {
		times, values, _ := idx.Series(name)
		series = append(series, chart.Series{Name: name, Slot: slot, Times: times, Values: values})
	}
	title := fmt.Sprintf("Session %s  %d rows  %d frames  %.3f-%.3fs", sess.ID, idx.Len(), len(idx.Frames()), lo, hi)
	if len(series) == 0 {
		_, err := fmt.Fprintln(w, title)
		return err
	}
	return chart.Plot(w, title, series, chart.Options{
		Height: chart.DefaultHeight,
		XMin:   lo,
		XMax:   hi,
		Color:  useColor,
	})
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded sessions",
		Args:  cobra.NoArgs,
		RunE:  runSessionsCmd,
	}
	cmd.Flags().StringVar(&sessionsSince, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&sessionsLast, "last", 0, "limit to last N sessions")
	cmd.Flags().BoolVar(&sessionsPrune, "prune", false, "drop catalog entries whose directory is gone")
	return cmd
}

func runSessionsCmd(cmd *cobra.Command, _ []string) error {
	if _, err := loadConfig(cmd); err != nil {
		return err
	}
	var sinceTime *time.Time
	if sessionsSince != "" {
		parsed, err := time.ParseInLocation("2006-01-02", sessionsSince, time.Local)
		if err != nil {
			return fmt.Errorf("invalid --since value: %w", err)
		}
		sinceTime = &parsed
	}
	if sessionsLast < 0 {
		return fmt.Errorf("--last must be >= 0")
	}

	st, err := store.Open(config.DefaultDBPath())
	if err != nil {
		return fmt.Errorf("failed to open db: %w", err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logErrf("failed to close db: %v\n", cerr)
		}
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if sessionsPrune {
		removed, err := st.Prune(ctx)
		if err != nil {
			return fmt.Errorf("failed to prune catalog: %w", err)
		}
		logErrf("Pruned %d sessions.\n", removed)
	}
	sessions, err := st.ListSessions(ctx, store.ListOptions{Since: sinceTime, Last: sessionsLast})
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(sessions) == 0 {
		logErrln("No sessions recorded yet. Record one with: rigtrace run")
		return nil
	}
	for _, line := range sessionTable(sessions) {
		if _, err := fmt.Fprintln(cmd.OutOrStdout(), line); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	}
	return nil
}

const motionColumnWidth = 40

func sessionTable(sessions []model.SessionSummary) []string {
	columns := []chart.Column{
		{Header: "ID"},
		{Header: "Started"},
		{Header: "Duration", Right: true},
		{Header: "State"},
		{Header: "Records", Right: true},
		{Header: "Discarded", Right: true},
		{Header: "Frames", Right: true},
		{Header: "Motion", MaxWidth: motionColumnWidth},
	}
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		motion := "ok"
		if s.MotionError != "" {
			motion = s.MotionError
		}
		rows = append(rows, []string{
			s.ID,
			s.StartedAt.Format("2006-01-02 15:04:05"),
			s.Duration().Round(time.Second).String(),
			s.State,
			strconv.Itoa(s.SensorRecords),
			strconv.Itoa(s.SensorDiscarded),
			strconv.Itoa(s.Frames),
			motion,
		})
	}
	return chart.FormatTable(columns, rows)
}

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <session>",
		Short: "Follow a session while it is recorded",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatchCmd,
	}
	cmd.Flags().DurationVar(&watchInterval, "interval", live.DefaultInterval, "refresh interval")
	return cmd
}

func runWatchCmd(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(cmd); err != nil {
		return err
	}
	closer, err := setupLogging(true)
	if err != nil {
		return err
	}
	defer closeLog(closer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	sess, err := resolveSession(ctx, args[0])
	if err != nil {
		return err
	}
	logErrf("Watching %s; press Ctrl-C to stop.\n", sess.Dir)
	return live.New(sess, watchInterval, cmd.OutOrStdout(), logging.NewLogger("watch")).Run(ctx)
}
