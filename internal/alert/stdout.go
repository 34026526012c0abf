package alert

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
)

// StdoutAlerter writes each event as one JSON line.
type StdoutAlerter struct {
	mu  sync.Mutex
	out io.Writer
}

// NewStdoutAlerter creates a new stdout alerter.
func NewStdoutAlerter() *StdoutAlerter {
	return &StdoutAlerter{out: os.Stdout}
}

// NewWriterAlerter writes events to w instead of stdout.
func NewWriterAlerter(w io.Writer) *StdoutAlerter {
	return &StdoutAlerter{out: w}
}

// Name returns "stdout".
func (s *StdoutAlerter) Name() string {
	return "stdout"
}

// Send writes the event as a JSON line.
func (s *StdoutAlerter) Send(_ context.Context, event Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.out.Write(line)
	return err
}
