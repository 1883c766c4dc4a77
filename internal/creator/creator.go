package creator

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"semset/internal/config"
	"semset/internal/ipc/sysv"
	"semset/internal/participant"
	"semset/internal/payload"
	"semset/internal/primitive"
	rw "semset/internal/readerswriters"
	"semset/internal/semset"
)

var ErrNoSetAddress = errors.New("neither a set identity nor a key is configured")

type Creator struct {
	logger *zap.Logger
	conf   *config.AppConfig
}

func NewCreator(logger *zap.Logger, conf *config.AppConfig) *Creator {
	return &Creator{
		logger: logger,
		conf:   conf,
	}
}

// Key resolves the configured key: an explicit key wins, then a key derived
// from key_path, otherwise the set is private.
func (c *Creator) Key() (sysv.Key, error) {
	conf := c.conf.SemaphoreConfig

	if conf.Key != "" {
		return sysv.ParseKey(conf.Key)
	}

	if conf.KeyPath != "" {
		key, err := sysv.Ftok(conf.KeyPath, conf.GetProjectID())
		if err != nil {
			return sysv.Private, fmt.Errorf("derive key from %s: %w", conf.KeyPath, err)
		}
		return key, nil
	}

	return sysv.Private, nil
}

func (c *Creator) ProblemOptions() rw.Options {
	return rw.Options{
		MaxReaders:       c.conf.ScenarioConfig.MaxReaders,
		WriterPreference: c.conf.ScenarioConfig.WriterPreference,
	}
}

func (c *Creator) setOptions() []semset.Option {
	return []semset.Option{
		semset.WithPermissions(c.conf.SemaphoreConfig.GetPermissions()),
	}
}

// CreateSet creates the readers-writers set. The caller owns it and must
// Remove it.
func (c *Creator) CreateSet() (*semset.Set, error) {
	key, err := c.Key()
	if err != nil {
		return nil, err
	}

	set, err := semset.New(c.logger, key, rw.Counters(c.ProblemOptions()), c.setOptions()...)
	if err != nil {
		return nil, err
	}

	c.logger.Info("semaphore set created",
		zap.Stringer("key", key),
		zap.Int("semid", set.Semid()),
		zap.Stringer("identity", set.Identity()),
	)

	return set, nil
}

// AttachSet joins the set created by a coordinator, by identity when one is
// given and by key otherwise.
func (c *Creator) AttachSet(identity string) (*semset.Set, error) {
	if identity != "" {
		id, err := semset.ParseIdentity(identity)
		if err != nil {
			return nil, err
		}
		return semset.Attach(c.logger, id)
	}

	key, err := c.Key()
	if err != nil {
		return nil, err
	}
	if key.IsPrivate() {
		return nil, ErrNoSetAddress
	}

	return semset.Open(c.logger, key, len(rw.Counters(c.ProblemOptions())))
}

func (c *Creator) CreateStore() (*payload.Store, error) {
	return payload.NewStore(c.logger, c.conf.PayloadConfig.Directory, c.conf.PayloadConfig.MaxVersions)
}

func (c *Creator) CreateProblem(set rw.Semaphores) (*rw.Problem, error) {
	return rw.NewProblem(c.logger, set, c.ProblemOptions())
}

func (c *Creator) CreateRunner(problem *rw.Problem, store *payload.Store, runID string) *participant.Runner {
	return participant.NewRunner(c.logger, problem, store, runID, c.conf.ScenarioConfig.HoldTime)
}

func (c *Creator) CreateSpawner(executable string, args func(participant.Assignment) []string) *participant.Spawner {
	limiter := primitive.NewSemaphore(c.conf.ScenarioConfig.MaxParallelSpawn)
	return participant.NewSpawner(c.logger, executable, args, limiter)
}

// Assignments lists every participant of a run, writers first.
func (c *Creator) Assignments() []participant.Assignment {
	scenario := c.conf.ScenarioConfig

	assignments := make([]participant.Assignment, 0, scenario.Writers+scenario.Readers)
	for i := 0; i < scenario.Writers; i++ {
		assignments = append(assignments, participant.Assignment{Role: rw.Writer, ID: i})
	}
	for i := 0; i < scenario.Readers; i++ {
		assignments = append(assignments, participant.Assignment{Role: rw.Reader, ID: i})
	}

	return assignments
}
