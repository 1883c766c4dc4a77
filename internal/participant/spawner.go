// Package participant runs readers and writers as separate processes. The
// coordinator re-executes its own binary once per participant; each child
// attaches to the semaphore set, passes through the critical section once
// and sends a report back over an inherited pipe.
package participant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"semset/internal/primitive"
	rw "semset/internal/readerswriters"
)

// ReportFD is the descriptor a child writes its report to. It is the first
// entry of exec.Cmd.ExtraFiles.
const ReportFD = 3

var ErrParticipantFailed = errors.New("participant failed")

type Assignment struct {
	Role rw.Role
	ID   int
}

func (a Assignment) String() string {
	return fmt.Sprintf("%s-%d", a.Role, a.ID)
}

type Spawner struct {
	logger     *zap.Logger
	executable string
	args       func(Assignment) []string
	env        []string
	limiter    *primitive.Semaphore
}

// NewSpawner prepares launches of executable. args builds the command line
// of one participant; env is appended to the coordinator's environment.
// limiter bounds how many launches are in flight.
func NewSpawner(
	logger *zap.Logger,
	executable string,
	args func(Assignment) []string,
	limiter *primitive.Semaphore,
	env ...string,
) *Spawner {
	return &Spawner{
		logger:     logger,
		executable: executable,
		args:       args,
		env:        env,
		limiter:    limiter,
	}
}

// Run starts one process per assignment and waits for all of them. Visits
// come back in assignment order. The first failure cancels ctx for the
// rest, which kills the processes still running.
func (s *Spawner) Run(ctx context.Context, assignments []Assignment) ([]rw.Visit, error) {
	visits := make([]rw.Visit, len(assignments))

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range assignments {
		g.Go(func() error {
			visit, err := s.run(gctx, a)
			if err != nil {
				return err
			}
			visits[i] = visit
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return visits, nil
}

func (s *Spawner) run(ctx context.Context, a Assignment) (rw.Visit, error) {
	fail := func(err error) (rw.Visit, error) {
		return rw.Visit{}, fmt.Errorf("%w: %s: %w", ErrParticipantFailed, a, err)
	}

	reportReader, reportWriter, err := os.Pipe()
	if err != nil {
		return fail(err)
	}
	defer func() {
		_ = reportReader.Close()
	}()

	cmd := exec.CommandContext(ctx, s.executable, s.args(a)...)
	cmd.Env = append(os.Environ(), s.env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{reportWriter}

	if err := s.limiter.AcquireContext(ctx); err != nil {
		_ = reportWriter.Close()
		return fail(err)
	}
	err = cmd.Start()
	s.limiter.Release()
	// The child holds its own copy; ours must go for EOF to reach the reader.
	_ = reportWriter.Close()
	if err != nil {
		return fail(err)
	}

	s.logger.Debug("participant started",
		zap.Stringer("participant", a),
		zap.Int("child_pid", cmd.Process.Pid),
	)

	var visit rw.Visit
	decodeErr := msgpack.NewDecoder(reportReader).Decode(&visit)
	if decodeErr != nil {
		// Drain so a misbehaving child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, reportReader)
	}

	if err := cmd.Wait(); err != nil {
		return fail(err)
	}
	if decodeErr != nil {
		return fail(fmt.Errorf("no report: %w", decodeErr))
	}
	if visit.Role != a.Role || visit.ID != a.ID {
		return fail(fmt.Errorf("report is from %s-%d", visit.Role, visit.ID))
	}

	s.logger.Info("participant finished",
		zap.Stringer("participant", a),
		zap.Int("version", visit.Version),
		zap.Int64("held_ns", visit.Exit-visit.Enter),
	)

	return visit, nil
}
