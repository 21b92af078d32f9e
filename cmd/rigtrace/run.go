package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/verte-zerg/rigtrace/internal/acquire"
	"github.com/verte-zerg/rigtrace/internal/capture"
	"github.com/verte-zerg/rigtrace/internal/config"
	"github.com/verte-zerg/rigtrace/internal/device"
	"github.com/verte-zerg/rigtrace/internal/ingest"
	"github.com/verte-zerg/rigtrace/internal/logging"
	"github.com/verte-zerg/rigtrace/internal/model"
	"github.com/verte-zerg/rigtrace/internal/motion"
	"github.com/verte-zerg/rigtrace/internal/store"
)

const (
	defaultFPS            = capture.DefaultFPS
	defaultCaptureTimeout = capture.DefaultTimeout
	defaultSettleDelay    = acquire.DefaultSettleDelay
)

var (
	runPort          string
	runBaud          int
	runFields        []string
	runInferFields   bool
	runPoll          time.Duration
	runResetWait     time.Duration
	runSerialSettle  time.Duration
	runCorruptionMax float64

	runCamera        string
	runFPS           float64
	runCaptureTimout time.Duration
	runCameraWidth   int
	runCameraHeight  int

	runRobot       string
	runSequence    string
	runSettleDelay time.Duration
	runReplay      bool
)

func defaultFields() []string {
	return append([]string(nil), model.DefaultFields...)
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Record a new session",
		Args:  cobra.NoArgs,
		RunE:  runRunCmd,
	}
	cmd.Flags().StringVar(&runPort, "port", "", "sensor serial port (empty: no sensor)")
	cmd.Flags().IntVar(&runBaud, "baud", defaultBaud, "sensor baud rate")
	cmd.Flags().StringSliceVar(&runFields, "fields", defaultFields(), "sensor field names")
	cmd.Flags().BoolVar(&runInferFields, "infer-fields", false, "infer field names from the first sensor line")
	cmd.Flags().DurationVar(&runPoll, "poll-interval", device.DefaultPollInterval, "upper bound on one serial read")
	cmd.Flags().DurationVar(&runResetWait, "reset-wait", ingest.DefaultResetWait, "wait for the sensor board to reset after open")
	cmd.Flags().DurationVar(&runSerialSettle, "settle-wait", ingest.DefaultSettleWait, "grace period after the stop marker")
	cmd.Flags().Float64Var(&runCorruptionMax, "corruption-warn-ratio", ingest.DefaultCorruptionWarnRatio, "warn when the discarded share of lines exceeds this (0 disables)")

	cmd.Flags().StringVar(&runCamera, "camera", defaultCameraDriver, "camera driver (sim, none)")
	cmd.Flags().Float64Var(&runFPS, "fps", defaultFPS, "target frame rate")
	cmd.Flags().DurationVar(&runCaptureTimout, "capture-timeout", defaultCaptureTimeout, "per-frame fetch timeout")
	cmd.Flags().IntVar(&runCameraWidth, "width", defaultCameraWidth, "simulated camera width")
	cmd.Flags().IntVar(&runCameraHeight, "height", defaultCameraHeight, "simulated camera height")

	cmd.Flags().StringVar(&runRobot, "robot", defaultRobotDriver, "motion controller driver (sim, none)")
	cmd.Flags().StringVar(&runSequence, "sequence", "", "motion sequence YAML (default: built-in)")
	cmd.Flags().DurationVar(&runSettleDelay, "settle-delay", defaultSettleDelay, "producer warm-up before motion starts")
	cmd.Flags().BoolVar(&runReplay, "replay", false, "open the replay screen when the run ends")
	return cmd
}

func applyRunConfig(cmd *cobra.Command, fileCfg config.FileConfig) {
	applyStringConfig(cmd, "port", &runPort, fileCfg.Serial.Port)
	applyIntConfig(cmd, "baud", &runBaud, fileCfg.Serial.Baud)
	applyFieldsConfig(cmd, "fields", &runFields, fileCfg.Serial.Fields)
	applyDurationConfig(cmd, "poll-interval", &runPoll, fileCfg.Serial.PollInterval)
	applyDurationConfig(cmd, "reset-wait", &runResetWait, fileCfg.Serial.ResetWait)
	applyDurationConfig(cmd, "settle-wait", &runSerialSettle, fileCfg.Serial.SettleWait)
	applyFloatConfig(cmd, "corruption-warn-ratio", &runCorruptionMax, fileCfg.Serial.CorruptionMax)

	applyStringConfig(cmd, "camera", &runCamera, fileCfg.Camera.Driver)
	applyFloatConfig(cmd, "fps", &runFPS, fileCfg.Camera.FPS)
	applyDurationConfig(cmd, "capture-timeout", &runCaptureTimout, fileCfg.Camera.Timeout)
	applyIntConfig(cmd, "width", &runCameraWidth, fileCfg.Camera.Width)
	applyIntConfig(cmd, "height", &runCameraHeight, fileCfg.Camera.Height)

	applyStringConfig(cmd, "robot", &runRobot, fileCfg.Robot.Driver)
	applyStringConfig(cmd, "sequence", &runSequence, fileCfg.Robot.Sequence)
	applyDurationConfig(cmd, "settle-delay", &runSettleDelay, fileCfg.Acquire.SettleDelay)
	applyBoolConfig(cmd, "replay", &runReplay, fileCfg.Acquire.Replay)
}

func validateRunConfig() error {
	if runBaud <= 0 {
		return fmt.Errorf("--baud must be > 0")
	}
	if runFPS <= 0 {
		return fmt.Errorf("--fps must be > 0")
	}
	if runCaptureTimout <= 0 {
		return fmt.Errorf("--capture-timeout must be > 0")
	}
	if runCorruptionMax < 0 || runCorruptionMax > 1 {
		return fmt.Errorf("--corruption-warn-ratio must be between 0 and 1")
	}
	if runSettleDelay < 0 || runResetWait < 0 || runSerialSettle < 0 {
		return fmt.Errorf("wait durations must be >= 0")
	}
	if !runInferFields && len(runFields) == 0 {
		return fmt.Errorf("--fields must not be empty (or use --infer-fields)")
	}
	switch runCamera {
	case "sim", "none":
	default:
		return fmt.Errorf("unknown camera driver %q (available: sim, none)", runCamera)
	}
	switch runRobot {
	case "sim", "none":
	default:
		return fmt.Errorf("unknown robot driver %q (available: sim, none)", runRobot)
	}
	return nil
}

func runRunCmd(cmd *cobra.Command, _ []string) error {
	fileCfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyRunConfig(cmd, fileCfg)
	if err := validateRunConfig(); err != nil {
		return err
	}

	closer, err := setupLogging(!runReplay)
	if err != nil {
		return err
	}
	defer closeLog(closer)
	log := logging.NewLogger("run")

	deps, err := buildDeps(log)
	if err != nil {
		return err
	}
	st, err := store.Open(config.DefaultDBPath())
	if err != nil {
		log.WithError(err).Warn("session catalog unavailable; the run will not be listed")
	} else {
		deps.Catalog = st
		defer func() {
			if cerr := st.Close(); cerr != nil {
				logErrf("failed to close db: %v\n", cerr)
			}
		}()
	}

	schema := model.Schema{Fields: runFields}
	if runInferFields {
		schema = model.Schema{}
	}
	sup := acquire.New(acquire.Config{
		SessionsDir: sessionsDir,
		Port:        runPort,
		Baud:        runBaud,
		Schema:      schema,
		Ingest: ingest.Options{
			ResetWait:           runResetWait,
			SettleWait:          runSerialSettle,
			CorruptionWarnRatio: runCorruptionMax,
		},
		FPS:            runFPS,
		CaptureTimeout: runCaptureTimout,
		SettleDelay:    runSettleDelay,
	}, deps, logging.NewLogger("acquire"))
	sup.OnState = func(state acquire.State) {
		if !runReplay {
			logErrf("[%s]\n", state)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if deps.Motion == nil {
		logErrln("Recording without motion; press Ctrl-C to stop.")
	}
	res, err := sup.Run(ctx)
	stop()
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	if err := printResult(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if !runReplay {
		return nil
	}
	return openReplay(res.Session, replayOptions(fileCfg))
}

func buildDeps(log *logrus.Entry) (acquire.Deps, error) {
	var deps acquire.Deps
	if runPort != "" {
		deps.OpenSerial = device.SerialOpener(runPoll)
	}
	if runCamera == "sim" {
		width, height := runCameraWidth, runCameraHeight
		deps.OpenCamera = func() (device.FrameSource, error) {
			return device.NewSimCamera(width, height), nil
		}
	}
	if runRobot == "sim" {
		seq := motion.Default()
		if runSequence != "" {
			loaded, err := motion.Load(runSequence)
			if err != nil {
				return acquire.Deps{}, err
			}
			seq = loaded
		}
		robot := device.NewSimRobot(log.WithField("device", "robot"))
		seqr, err := motion.New(robot, seq, logging.NewLogger("motion"))
		if err != nil {
			return acquire.Deps{}, err
		}
		deps.Motion = seqr
	}
	return deps, nil
}

func printResult(w io.Writer, res acquire.Result) error {
	sess := res.Session
	lines := []string{
		fmt.Sprintf("Session %s (%s)", sess.ID, sess.State),
		fmt.Sprintf("  dir        %s", sess.Dir),
		fmt.Sprintf("  duration   %s", sess.EndedAt.Sub(sess.StartedAt).Round(time.Millisecond)),
		fmt.Sprintf("  sensor     %d records, %d discarded", sess.SensorRecords, sess.SensorDiscarded),
		fmt.Sprintf("  frames     %d (%d timeouts)", sess.Frames, sess.FrameTimeouts),
	}
	if res.Motion.Sequence != "" {
		status := "completed"
		if !res.Motion.Completed {
			status = "incomplete"
		}
		lines = append(lines, fmt.Sprintf("  motion     %s, %d steps, %s", res.Motion.Sequence, len(res.Motion.Steps), status))
		for _, step := range res.Motion.Failed() {
			lines = append(lines, fmt.Sprintf("    %s/%d %s: %v", step.Section, step.Cycle, step.Name, step.Err))
		}
	}
	for _, err := range []error{res.SensorErr, res.CameraErr, res.MotionErr, res.TeardownErr} {
		if err != nil {
			lines = append(lines, "  error      "+err.Error())
		}
	}
	for _, perr := range res.ProducerErrs {
		lines = append(lines, "  stopped    "+perr.Error())
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	}
	return nil
}
