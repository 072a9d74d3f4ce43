package detector

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// EventLog appends BottleneckEvents as newline-delimited JSON, one line
// per event, so a long-running archive or tailing tool can consume the
// stream incrementally (spec §4.4/§6 file 4: bottleneck_events.jsonl).
type EventLog struct {
	mu sync.Mutex
	f  *os.File
}

func OpenEventLog(path string) (*EventLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &EventLog{f: f}, nil
}

// Append writes one event as a single JSON line. A nil event is a no-op,
// letting callers pass Evaluation.Event directly without a branch.
func (l *EventLog) Append(event *BottleneckEvent) error {
	if event == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := l.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
