package emit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SpooledMessage is one key/value pair parked on disk after a failed publish.
type SpooledMessage struct {
	Key     string  `json:"key"`
	Value   string  `json:"value"`
	SpoolTS float64 `json:"ts"`
}

// Spool is an append-only JSON-lines file holding messages that could not be
// published. It keeps emission failures from dropping data silently: the
// emitter replays the spool before the next batch.
type Spool struct {
	mu   sync.Mutex
	path string
}

// NewSpool creates a spool file per topic under dir.
func NewSpool(dir, topic string) *Spool {
	return &Spool{path: filepath.Join(dir, topic+".jsonl")}
}

// Append parks messages on disk.
func (s *Spool) Append(msgs []SpooledMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	now := float64(time.Now().UnixNano()) / 1e9
	for _, m := range msgs {
		if m.SpoolTS == 0 {
			m.SpoolTS = now
		}
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// DrainAll reads and removes every spooled message. Unparseable lines are
// skipped rather than wedging the drain forever.
func (s *Spool) DrainAll() ([]SpooledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var msgs []SpooledMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m SpooledMessage
		if err := json.Unmarshal(line, &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	scanErr := scanner.Err()
	f.Close()
	if scanErr != nil {
		return nil, scanErr
	}

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return msgs, nil
}

// Size returns the approximate number of spooled messages.
func (s *Spool) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return 0
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			count++
		}
	}
	return count
}
