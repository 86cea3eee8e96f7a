package lead

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

var _ Sink = (*FileSink)(nil)

// FileSink appends leads as JSON lines to a local file. It suits single-node
// deployments that hand the file to a batch importer.
type FileSink struct {
	mu   sync.Mutex
	path string
}

// NewFileSink creates a FileSink writing to path. The file is created on the
// first write.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Path returns the journal file path.
func (s *FileSink) Path() string { return s.path }

// Save appends p as one line.
func (s *FileSink) Save(_ context.Context, p Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("lead: marshal journal entry: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("lead: open journal: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("lead: write journal: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("lead: close journal: %w", err)
	}
	return nil
}
