// Package history keeps an append-only JSONL log of delivered messages per
// network.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/baderanaas/hushmesh/pkg/mesh"
)

const logsDirName = "logs"

// Entry is one line of the log.
type Entry struct {
	mesh.Message
	// Via is the neighbour the message arrived from; empty when sent here.
	Via        string    `json:"via,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Log appends to <dir>/logs/<network>.jsonl.
type Log struct {
	mu   sync.Mutex
	path string
}

func Open(dir, network string) (*Log, error) {
	logsDir := filepath.Join(dir, logsDirName)
	if err := os.MkdirAll(logsDir, 0o700); err != nil {
		return nil, err
	}
	return &Log{path: filepath.Join(logsDir, network+".jsonl")}, nil
}

func (l *Log) Path() string { return l.path }

// Append writes msg as one JSON line.
func (l *Log) Append(msg mesh.Message, at time.Time) error {
	line, err := json.Marshal(Entry{Message: msg, Via: string(msg.SourcePeer), ReceivedAt: at.UTC()})
	if err != nil {
		return err
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Recent returns up to count of the newest entries, oldest first. Lines
// that fail to parse are skipped.
func (l *Log) Recent(count int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err == nil {
			entries = append(entries, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", l.path, err)
	}
	if count > 0 && len(entries) > count {
		entries = entries[len(entries)-count:]
	}
	return entries, nil
}
