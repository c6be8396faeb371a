package assignments

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hilthontt/metrelay/internal/domain"
	"github.com/hilthontt/metrelay/internal/infrastructure/logging"
	"github.com/pkg/errors"
)

const header = "metric,host,tcpPort,rate"

// Row is one persisted pin. Rate is informational for operators and is
// ignored on load.
type Row struct {
	Metric  string
	Backend *domain.Backend
	Rate    float64
}

// Store reads and rewrites the comma-separated assignment file.
type Store struct {
	path   string
	logger logging.Logger
}

func NewStore(path string, logger logging.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger,
	}
}

func (s *Store) Path() string {
	return s.path
}

// Read returns the pins recorded on disk, resolved against the server index.
// Rows naming an unknown (host, tcpPort) are rebound through fallback, which
// receives the number of pins accumulated so far. Short rows are dropped.
// I/O failures are logged and whatever was accumulated is returned.
func (s *Store) Read(index []*domain.Backend, fallback func(size int) *domain.Backend) map[string]*domain.Backend {
	out := make(map[string]*domain.Backend)

	f, err := os.Open(s.path)
	if err != nil {
		s.logger.Warn(logging.IO, logging.Persistence, "could not open assignment file",
			map[logging.ExtraKey]any{
				logging.Path:         s.path,
				logging.ErrorMessage: err.Error(),
			})
		return out
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			continue
		}

		fields := strings.Split(line, ",")
		if len(fields) < 4 {
			continue
		}

		metric := fields[0]
		if metric == "" {
			continue
		}

		backend := lookupBackend(index, fields[1], fields[2])
		if backend == nil {
			backend = fallback(len(out))
		}
		if backend == nil {
			continue
		}

		out[metric] = backend
	}

	if err := scanner.Err(); err != nil {
		s.logger.Warn(logging.IO, logging.Persistence, "error while reading assignment file",
			map[logging.ExtraKey]any{
				logging.Path:         s.path,
				logging.ErrorMessage: err.Error(),
			})
	}

	return out
}

// Write rewrites the file in full with the given rows.
func (s *Store) Write(rows []Row) error {
	f, err := os.Create(s.path)
	if err != nil {
		return errors.Wrapf(err, "failed to create assignment file %s", s.path)
	}

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, header)
	for _, r := range rows {
		fmt.Fprintf(w, "%s,%s,%d,%.3f\n", r.Metric, r.Backend.Host, r.Backend.TCPPort, r.Rate)
	}

	if err := w.Flush(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write assignment file %s", s.path)
	}

	return errors.Wrapf(f.Close(), "failed to close assignment file %s", s.path)
}

func lookupBackend(index []*domain.Backend, host, port string) *domain.Backend {
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return nil
	}

	for _, b := range index {
		if b.Host == host && b.TCPPort == uint16(p) {
			return b
		}
	}

	return nil
}
