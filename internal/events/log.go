package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Log is the single appender for the kernel's event stream. Every
// committed event is retained in memory (the query source) and queued
// to a background flusher that batches JSONL lines to disk. A disk
// write failure is systemic: it surfaces on Err() and the kernel is
// expected to stop.
type Log struct {
	mu      sync.Mutex
	seq     int64
	events  []Event
	pending []Event

	file       *os.File
	w          *bufio.Writer
	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
	errOnce    sync.Once
	errCh      chan error

	bus    *Bus
	now    func() time.Time
	logger *log.Logger
}

// Open creates or appends to the JSONL file at path and starts the
// flusher. An empty path keeps the log purely in memory.
func Open(path string, flushEvery time.Duration, bus *Bus) (*Log, error) {
	if flushEvery <= 0 {
		flushEvery = 250 * time.Millisecond
	}
	l := &Log{
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		errCh:      make(chan error, 1),
		bus:        bus,
		now:        time.Now,
		logger:     log.New(log.Writer(), "[EventLog] ", log.LstdFlags),
	}
	if path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open event log: %w", err)
		}
		l.file = f
		l.w = bufio.NewWriter(f)
	}
	go l.flusher()
	return l, nil
}

// Resume rebuilds the in-memory sequence from an existing JSONL file
// and continues appending after watermark. Lines beyond the watermark
// belong to a timeline the checkpoint never saw; they are dropped and
// the file is rewritten without them.
func Resume(path string, watermark int64, flushEvery time.Duration, bus *Bus) (*Log, []Event, error) {
	loaded, err := LoadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, nil, err
	}
	kept := make([]Event, 0, len(loaded))
	for _, ev := range loaded {
		if ev.Seq <= watermark {
			kept = append(kept, ev)
		}
	}
	if err := VerifySequence(kept); err != nil {
		return nil, nil, fmt.Errorf("resume event log: %w", err)
	}
	if len(kept) > 0 && kept[len(kept)-1].Seq != watermark {
		return nil, nil, fmt.Errorf("resume event log: file ends at seq %d, checkpoint watermark is %d", kept[len(kept)-1].Seq, watermark)
	}
	if len(kept) < len(loaded) {
		if err := rewriteFile(path, kept); err != nil {
			return nil, nil, err
		}
	}
	l, err := Open(path, flushEvery, bus)
	if err != nil {
		return nil, nil, err
	}
	l.mu.Lock()
	l.seq = watermark
	l.events = kept
	l.mu.Unlock()
	return l, kept, nil
}

// Append assigns the next sequence number and commits the event. It
// never fails; durability problems surface asynchronously on Err().
func (l *Log) Append(eventType, agentID, artifactID string, data map[string]interface{}) Event {
	if data == nil {
		data = map[string]interface{}{}
	}
	l.mu.Lock()
	l.seq++
	ev := Event{
		Seq:        l.seq,
		TS:         l.now(),
		EventType:  eventType,
		AgentID:    agentID,
		ArtifactID: artifactID,
		Data:       data,
	}
	l.events = append(l.events, ev)
	if l.file != nil {
		l.pending = append(l.pending, ev)
	}
	l.mu.Unlock()

	if l.bus != nil {
		l.bus.Publish(ev)
	}
	return ev
}

// Read returns up to limit events with seq > offset, in order. Passing
// the last seen seq as offset resumes a stream exactly.
func (l *Log) Read(offset, limit int64) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= l.seq {
		return nil
	}
	// seq is gap-free starting at 1, so events[i].Seq == i+1
	start := offset
	end := start + limit
	if end > int64(len(l.events)) {
		end = int64(len(l.events))
	}
	out := make([]Event, end-start)
	copy(out, l.events[start:end])
	return out
}

// Watermark is the last committed sequence number.
func (l *Log) Watermark() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Len is the number of committed events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Err delivers the first flusher failure. Receiving from it is how the
// kernel notices a dead disk.
func (l *Log) Err() <-chan error { return l.errCh }

func (l *Log) flusher() {
	defer close(l.doneCh)
	if l.file == nil {
		<-l.stopCh
		return
	}
	ticker := time.NewTicker(l.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := l.flush(); err != nil {
				l.fail(err)
				return
			}
		case <-l.stopCh:
			if err := l.flush(); err != nil {
				l.fail(err)
			}
			return
		}
	}
}

func (l *Log) flush() error {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	for _, ev := range batch {
		line, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %d: %w", ev.Seq, err)
		}
		if _, err := l.w.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("write event %d: %w", ev.Seq, err)
		}
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("flush event log: %w", err)
	}
	return nil
}

func (l *Log) fail(err error) {
	l.errOnce.Do(func() {
		l.logger.Printf("❌ event log write failed: %v", err)
		l.errCh <- err
	})
}

// Close stops the flusher, drains pending lines, and syncs the file.
func (l *Log) Close() error {
	close(l.stopCh)
	<-l.doneCh
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	return l.file.Close()
}

// LoadFile reads a JSONL event file into memory.
func LoadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("event log line %d: %w", lineNo, err)
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// VerifySequence checks the gap-free, strictly-increasing seq law.
func VerifySequence(evs []Event) error {
	for i, ev := range evs {
		want := int64(i + 1)
		if ev.Seq != want {
			return fmt.Errorf("sequence gap: position %d has seq %d, want %d", i, ev.Seq, want)
		}
	}
	return nil
}

func rewriteFile(path string, evs []Event) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, ev := range evs {
		line, err := json.Marshal(ev)
		if err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
