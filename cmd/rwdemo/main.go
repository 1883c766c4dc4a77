package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"semset/internal/config"
	"semset/internal/creator"
	"semset/internal/participant"
	rw "semset/internal/readerswriters"
)

const participantCommand = "participant"

var (
	errUnknownLoggerLevel = errors.New("unknown logger level")
)

func main() {
	conf := config.Load()

	logger := createLogger(&conf.LoggingConfig)

	var code int
	if len(os.Args) > 1 && os.Args[1] == participantCommand {
		code = runParticipant(logger, conf, os.Args[2:])
	} else {
		code = runCoordinator(logger, conf)
	}

	_ = logger.Sync()
	os.Exit(code)
}

func runCoordinator(logger *zap.Logger, conf *config.AppConfig) int {
	runID := uuid.NewString()
	logger = logger.With(zap.String("run", runID))
	c := creator.NewCreator(logger, conf)

	executable, err := os.Executable()
	if err != nil {
		logger.Fatal("Failed to locate own executable", zap.Error(err))
	}

	if _, err := c.CreateStore(); err != nil {
		logger.Fatal("Failed to create payload store", zap.Error(err))
	}

	set, err := c.CreateSet()
	if err != nil {
		logger.Fatal("Failed to create semaphore set", zap.Error(err))
	}

	identity := set.Identity().String()
	spawner := c.CreateSpawner(executable, func(a participant.Assignment) []string {
		return []string{
			participantCommand,
			"--role", a.Role.String(),
			"--id", strconv.Itoa(a.ID),
			"--identity", identity,
			"--run", runID,
		}
	})

	assignments := c.Assignments()
	if conf.ScenarioConfig.Shuffle {
		rand.Shuffle(len(assignments), func(i, j int) {
			assignments[i], assignments[j] = assignments[j], assignments[i]
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting participants",
		zap.Int("readers", conf.ScenarioConfig.Readers),
		zap.Int("writers", conf.ScenarioConfig.Writers),
		zap.Int("max_readers", conf.ScenarioConfig.MaxReaders),
		zap.Bool("writer_preference", conf.ScenarioConfig.WriterPreference),
	)

	visits, runErr := spawner.Run(ctx, assignments)

	values := set.Values()
	if err := set.Remove(); err != nil {
		logger.Error("Failed to remove semaphore set", zap.Error(err))
	}

	if runErr != nil {
		logger.Error("run failed", zap.Error(runErr))
		return 1
	}

	if err := rw.Verify(visits, conf.ScenarioConfig.MaxReaders); err != nil {
		logger.Error("run violated readers-writers rules", zap.Error(err))
		return 1
	}

	logger.Info("run verified",
		zap.Int("visits", len(visits)),
		zap.Int("read_count", values[rw.ReadCount]),
		zap.Int("mutex", values[rw.Mutex]),
	)

	return 0
}

func runParticipant(logger *zap.Logger, conf *config.AppConfig, args []string) int {
	flags := flag.NewFlagSet(participantCommand, flag.ContinueOnError)
	role := flags.String("role", "", "reader or writer")
	id := flags.Int("id", 0, "participant number within its role")
	identity := flags.String("identity", "", "set identity printed by the coordinator")
	runID := flags.String("run", "", "run id")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	r, err := rw.ParseRole(*role)
	if err != nil {
		logger.Error("bad participant arguments", zap.Error(err))
		return 2
	}

	assignment := participant.Assignment{Role: r, ID: *id}
	logger = logger.With(zap.String("run", *runID), zap.Stringer("participant", assignment))
	c := creator.NewCreator(logger, conf)

	set, err := c.AttachSet(*identity)
	if err != nil {
		logger.Fatal("Failed to attach to semaphore set", zap.Error(err))
	}
	defer func() {
		if err := set.Close(); err != nil {
			logger.Warn("Failed to detach from semaphore set", zap.Error(err))
		}
	}()

	store, err := c.CreateStore()
	if err != nil {
		logger.Fatal("Failed to open payload store", zap.Error(err))
	}

	problem, err := c.CreateProblem(set)
	if err != nil {
		logger.Fatal("Failed to create readers-writers problem", zap.Error(err))
	}

	reporter, err := participant.NewReporter()
	if err != nil {
		logger.Fatal("Failed to open report pipe", zap.Error(err))
	}
	defer func() {
		_ = reporter.Close()
	}()

	visit, err := c.CreateRunner(problem, store, *runID).Run(assignment)
	if err != nil {
		logger.Error("participant failed", zap.Error(err))
		return 1
	}

	if err := reporter.Send(visit); err != nil {
		logger.Error("Failed to send report", zap.Error(err))
		return 1
	}

	return 0
}

func createLogger(conf *config.LoggingConfig) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var zapLevel = zapcore.InfoLevel

	levelByName := map[string]zapcore.Level{
		"info":  zapcore.InfoLevel,
		"debug": zapcore.DebugLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
	}

	var found bool
	if zapLevel, found = levelByName[conf.Level]; !found {
		log.Fatal(errUnknownLoggerLevel)
	}

	outputs := []string{"stderr"}
	if conf.Output != "" && conf.Output != "stderr" {
		outputs = append(outputs, conf.Output)
	}

	cfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(zapLevel),
		DisableCaller:     false,
		DisableStacktrace: false,
		Encoding:          "json",
		EncoderConfig:     encoderCfg,
		OutputPaths:       outputs,
		ErrorOutputPaths: []string{
			"stderr",
		},
		InitialFields: map[string]interface{}{
			"pid": os.Getpid(),
		},
		Development: false,
		Sampling:    nil,
	}

	return zap.Must(cfg.Build())
}
