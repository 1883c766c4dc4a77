package participant

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"semset/internal/payload"
	rw "semset/internal/readerswriters"
)

// Reporter is the child's end of the report pipe.
type Reporter struct {
	file *os.File
	enc  *msgpack.Encoder
}

func NewReporter() (*Reporter, error) {
	file := os.NewFile(ReportFD, "report")
	if file == nil {
		return nil, errors.New("report descriptor is not open")
	}

	return &Reporter{
		file: file,
		enc:  msgpack.NewEncoder(file),
	}, nil
}

func (r *Reporter) Send(visit rw.Visit) error {
	return r.enc.Encode(&visit)
}

func (r *Reporter) Close() error {
	return r.file.Close()
}

// Runner performs one participant's pass through the critical section.
type Runner struct {
	logger  *zap.Logger
	problem *rw.Problem
	store   *payload.Store
	runID   string
	hold    time.Duration
}

// NewRunner wires a participant. hold is how long it stays inside the
// critical section, which makes overlaps between participants likely.
func NewRunner(logger *zap.Logger, problem *rw.Problem, store *payload.Store, runID string, hold time.Duration) *Runner {
	return &Runner{
		logger:  logger,
		problem: problem,
		store:   store,
		runID:   runID,
		hold:    hold,
	}
}

func (r *Runner) Run(a Assignment) (rw.Visit, error) {
	switch a.Role {
	case rw.Reader:
		return r.problem.Read(a.ID, func() (int, error) {
			version, lines, err := r.store.Read()
			if err != nil {
				return 0, err
			}
			r.logger.Info("read payload", zap.Int("version", version), zap.Strings("lines", lines))
			time.Sleep(r.hold)
			return version, nil
		})
	case rw.Writer:
		return r.problem.Write(a.ID, func() (int, error) {
			line := fmt.Sprintf("Hello World %d", rand.IntN(1_000_000))
			version, err := r.store.Write(line, fmt.Sprintf("run %s writer %d", r.runID, a.ID))
			if err != nil {
				return version, err
			}
			r.logger.Info("wrote payload", zap.Int("version", version), zap.String("line", line))
			time.Sleep(r.hold)
			return version, nil
		})
	default:
		return rw.Visit{}, fmt.Errorf("unknown role: %q", a.Role)
	}
}
