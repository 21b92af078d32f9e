// Package main provides the CLI entrypoint for rigtrace.
package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/verte-zerg/rigtrace/internal/config"
	"github.com/verte-zerg/rigtrace/internal/device"
	"github.com/verte-zerg/rigtrace/internal/ingest"
	"github.com/verte-zerg/rigtrace/internal/logging"
	"github.com/verte-zerg/rigtrace/internal/motion"
)

const (
	defaultBaud         = 460800
	defaultCameraDriver = "sim"
	defaultRobotDriver  = "sim"
	defaultCameraWidth  = 320
	defaultCameraHeight = 240
	defaultLogLevel     = "info"
)

var (
	logLevel    string
	logFile     string
	configPath  string
	sessionsDir string

	sequenceValidate string
	sequenceSchema   bool
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "rigtrace",
		Short:         "Synchronized sensor, camera and motion acquisition with terminal replay",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", config.DefaultLogPath(), "log file path")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "config file path")
	rootCmd.PersistentFlags().StringVar(&sessionsDir, "sessions-dir", config.DefaultSessionsDir(), "directory holding session directories")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newReplayCmd())
	rootCmd.AddCommand(newSessionsCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newSequenceCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newPortsCmd())

	return rootCmd
}

// loadConfig reads the config file and applies the settings shared by every
// command. Flags set on the command line win.
func loadConfig(cmd *cobra.Command) (config.FileConfig, error) {
	fileCfg, err := config.LoadConfig(configPath)
	if err != nil {
		return config.FileConfig{}, fmt.Errorf("failed to load config: %w", err)
	}
	applyStringConfig(cmd, "log-level", &logLevel, fileCfg.Log.Level)
	applyStringConfig(cmd, "log-file", &logFile, fileCfg.Log.File)
	applyStringConfig(cmd, "sessions-dir", &sessionsDir, fileCfg.Acquire.SessionsDir)
	return fileCfg, nil
}

// setupLogging configures logrus. Screens that own the terminal pass
// console=false so log lines only reach the file.
func setupLogging(console bool) (io.Closer, error) {
	closer, err := logging.Setup(logging.Options{Level: logLevel, File: logFile, Console: console})
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	return closer, nil
}

func closeLog(closer io.Closer) {
	if cerr := closer.Close(); cerr != nil {
		logErrf("failed to close log file: %v\n", cerr)
	}
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Create/open config file",
		Args:  cobra.NoArgs,
		RunE:  runConfigCmd,
	}
}

func runConfigCmd(_ *cobra.Command, _ []string) error {
	path := configPath
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat config: %w", err)
		}
		if err := os.WriteFile(path, []byte(defaultConfigTemplate()), 0o644); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
	}

	editor := strings.TrimSpace(os.Getenv("EDITOR"))
	if editor == "" {
		editor = "vi"
	}
	parts := strings.Fields(editor)
	if len(parts) == 0 {
		return fmt.Errorf("editor command is empty")
	}
	cmd := exec.Command(parts[0], append(parts[1:], path)...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to open editor: %w", err)
	}
	return nil
}

func newSequenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sequence",
		Short: "Print the default motion sequence as YAML",
		Args:  cobra.NoArgs,
		RunE:  runSequenceCmd,
	}
	cmd.Flags().StringVar(&sequenceValidate, "validate", "", "validate a sequence file instead of printing the default")
	cmd.Flags().BoolVar(&sequenceSchema, "schema", false, "print the JSON schema of sequence files")
	return cmd
}

func runSequenceCmd(cmd *cobra.Command, _ []string) error {
	if sequenceValidate != "" {
		seq, err := motion.Load(sequenceValidate)
		if err != nil {
			return err
		}
		steps := len(seq.Setup) + len(seq.Body)*seq.Repeat + len(seq.Finish) + len(seq.Teardown)
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d steps, body x%d)\n", seq.Name, steps, seq.Repeat)
		return err
	}
	marshal := func() ([]byte, error) { return motion.Marshal(motion.Default()) }
	if sequenceSchema {
		marshal = motion.MarshalSchema
	}
	data, err := marshal()
	if err != nil {
		return err
	}
	if _, err := cmd.OutOrStdout().Write(data); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ports, err := device.ListPorts()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				logErrln("No serial ports found.")
				return nil
			}
			for _, port := range ports {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), port); err != nil {
					return fmt.Errorf("failed to write output: %w", err)
				}
			}
			return nil
		},
	}
}

func applyStringConfig(cmd *cobra.Command, name string, target, value *string) {
	if value == nil {
		return
	}
	if cmd.Flags().Changed(name) {
		return
	}
	*target = *value
}

func applyIntConfig(cmd *cobra.Command, name string, target, value *int) {
	if value == nil {
		return
	}
	if cmd.Flags().Changed(name) {
		return
	}
	*target = *value
}

func applyFloatConfig(cmd *cobra.Command, name string, target, value *float64) {
	if value == nil {
		return
	}
	if cmd.Flags().Changed(name) {
		return
	}
	*target = *value
}

func applyBoolConfig(cmd *cobra.Command, name string, target, value *bool) {
	if value == nil {
		return
	}
	if cmd.Flags().Changed(name) {
		return
	}
	*target = *value
}

func applyDurationConfig(cmd *cobra.Command, name string, target *time.Duration, value *config.Duration) {
	if value == nil {
		return
	}
	if cmd.Flags().Changed(name) {
		return
	}
	*target = value.Duration
}

func applyFieldsConfig(cmd *cobra.Command, name string, target *[]string, value []string) {
	if value == nil {
		return
	}
	if cmd.Flags().Changed(name) {
		return
	}
	*target = value
}

func defaultConfigTemplate() string {
	return fmt.Sprintf(`# rigtrace configuration
# Uncomment a value to enable it. CLI flags override config values.

[serial]
# port = "/dev/ttyACM0"        # Sensor board port; unset runs without sensor data
# baud = %d
# fields = [%s]   # Empty infers f1..fN from the first line
# poll-interval = %q         # Upper bound on one serial read
# reset-wait = %q              # Wait for the board to reset after open
# settle-wait = %q           # Grace period after the stop marker
# corruption-warn-ratio = %.2f  # Warn when more lines are discarded; 0 disables

[camera]
# driver = %q                # sim or none
# fps = %.1f
# timeout = %q                 # Per-frame fetch timeout
# width = %d
# height = %d

[robot]
# driver = %q                # sim or none
# sequence = ""                # YAML motion sequence; see: rigtrace sequence

[acquire]
# sessions-dir = %q
# settle-delay = %q            # Producer warm-up before motion starts
# replay = false               # Open the replay screen after a run

[replay]
# step = %.1f                  # Cursor step in seconds

[log]
# level = %q
# file = %q
`,
		defaultBaud,
		quoteFields(defaultFields()),
		device.DefaultPollInterval,
		ingest.DefaultResetWait,
		ingest.DefaultSettleWait,
		ingest.DefaultCorruptionWarnRatio,
		defaultCameraDriver,
		defaultFPS,
		defaultCaptureTimeout,
		defaultCameraWidth,
		defaultCameraHeight,
		defaultRobotDriver,
		config.DefaultSessionsDir(),
		defaultSettleDelay,
		defaultReplayStep,
		defaultLogLevel,
		config.DefaultLogPath(),
	)
}

func quoteFields(fields []string) string {
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = fmt.Sprintf("%q", f)
	}
	return strings.Join(quoted, ", ")
}

func logErrf(format string, args ...any) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		// Best-effort logging to stderr.
		_ = err
	}
}

func logErrln(args ...any) {
	if _, err := fmt.Fprintln(os.Stderr, args...); err != nil {
		// Best-effort logging to stderr.
		_ = err
	}
}
