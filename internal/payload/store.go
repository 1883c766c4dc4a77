// Package payload keeps the shared document the readers-writers demo
// protects. Every write produces a new version file <n>.payload in a
// directory; readers read the newest one.
package payload

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/facette/natsort"
	"go.uber.org/zap"
)

const extension = "payload"

var ErrVersionExists = errors.New("payload version already exists")

// Store is not synchronised. Callers hold the readers-writers lock.
type Store struct {
	logger      *zap.Logger
	dir         string
	maxVersions int
}

// NewStore opens dir, creating it if needed. maxVersions <= 0 keeps every
// version.
func NewStore(logger *zap.Logger, dir string, maxVersions int) (*Store, error) {
	if err := createDirIfNotExists(dir); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	return &Store{
		logger:      logger,
		dir:         abs,
		maxVersions: maxVersions,
	}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Write stores lines as the next version and returns its number. Versions
// start at 1.
func (s *Store) Write(lines ...string) (int, error) {
	latest, err := s.Latest()
	if err != nil {
		return 0, err
	}
	version := latest + 1

	path := s.versionPath(version)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, os.ErrExist) {
		return 0, fmt.Errorf("%w: %d", ErrVersionExists, version)
	}
	if err != nil {
		return 0, err
	}

	writer := bufio.NewWriter(file)
	for _, line := range lines {
		if _, err := writer.WriteString(line + "\n"); err != nil {
			return 0, errors.Join(err, file.Close())
		}
	}

	if err := writer.Flush(); err != nil {
		return 0, errors.Join(err, file.Close())
	}

	if err := file.Sync(); err != nil {
		return 0, errors.Join(err, file.Close())
	}

	if err := file.Close(); err != nil {
		return 0, err
	}

	s.logger.Debug("payload written", zap.Int("version", version), zap.String("path", path))

	if err := s.prune(); err != nil {
		return version, err
	}

	return version, nil
}

// Read returns the newest version and its lines. An empty store reads as
// version 0 with no lines.
func (s *Store) Read() (int, []string, error) {
	versions, err := s.Versions()
	if err != nil {
		return 0, nil, err
	}
	if len(versions) == 0 {
		return 0, nil, nil
	}

	version := versions[len(versions)-1]
	lines, err := s.ReadVersion(version)
	if err != nil {
		return 0, nil, err
	}

	return version, lines, nil
}

func (s *Store) ReadVersion(version int) ([]string, error) {
	file, err := os.Open(s.versionPath(version))
	if err != nil {
		return nil, err
	}

	lines := make([]string, 0)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.Join(err, file.Close())
	}

	if err := file.Close(); err != nil {
		return nil, err
	}

	return lines, nil
}

// Latest is the newest version number, 0 if none was written.
func (s *Store) Latest() (int, error) {
	versions, err := s.Versions()
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, nil
	}
	return versions[len(versions)-1], nil
}

// Versions lists stored versions in ascending order. Files that are not
// version files are ignored.
func (s *Store) Versions() ([]int, error) {
	paths, err := findSortedVersions(s.dir)
	if err != nil {
		return nil, err
	}

	versions := make([]int, 0, len(paths))
	for _, path := range paths {
		version, err := getVersionNum(path)
		if err != nil {
			continue
		}
		versions = append(versions, version)
	}

	return versions, nil
}

func (s *Store) prune() error {
	if s.maxVersions <= 0 {
		return nil
	}

	versions, err := s.Versions()
	if err != nil {
		return err
	}
	if len(versions) <= s.maxVersions {
		return nil
	}

	for _, version := range versions[:len(versions)-s.maxVersions] {
		if err := os.Remove(s.versionPath(version)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		s.logger.Debug("payload pruned", zap.Int("version", version))
	}

	return nil
}

func (s *Store) versionPath(version int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d.%s", version, extension))
}

func getVersionNum(filePath string) (int, error) {
	filename := filepath.Base(filePath)
	ext := filepath.Ext(filename)
	if ext != "."+extension {
		return 0, fmt.Errorf("not a payload file: %s", filename)
	}

	withoutExt := strings.TrimSuffix(filename, ext)
	num, err := strconv.Atoi(withoutExt)
	if err != nil {
		return 0, err
	}

	return num, nil
}

func findSortedVersions(dir string) ([]string, error) {
	filenames := make([]string, 0)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), "."+extension) {
			continue
		}
		filenames = append(filenames, filepath.Join(dir, entry.Name()))
	}

	natsort.Sort(filenames)

	return filenames, nil
}

func createDirIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, os.ModePerm); err != nil {
			return err
		}
	}

	return nil
}
