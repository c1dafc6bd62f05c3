package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Listener receives every event appended to the journal, in append order.
// The journal blocks the Append call until every registered listener's
// callback returns: subscribers are synchronous by design, so a slow or
// wedged listener applies backpressure to the whole runtime rather than
// letting an event silently go unseen.
type Listener func(Event)

// Config controls how a Journal is opened and flushed.
type Config struct {
	// Path is the file the journal is durably appended to. Required.
	Path string
	// Logger receives diagnostic output about recovery and shutdown.
	// Defaults to slog.Default() if nil.
	Logger *slog.Logger
}

// Journal is an append-only, hash-chained event log backed by a single
// file. One Journal instance owns exclusive write access to its file;
// concurrent Append calls are serialized by an internal mutex.
type Journal struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	file     *os.File
	lastHash string
	nextSeq  int64

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextListener int

	closeOnce sync.Once
	stopSig   func()
}

// Open opens (creating if necessary) the journal file at cfg.Path,
// replaying any existing events to recover nextSeq/lastHash and
// discarding a trailing partial line left by a crash mid-write.
func Open(cfg Config) (*Journal, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("journal: Config.Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", cfg.Path, err)
	}

	j := &Journal{
		cfg:       cfg,
		log:       logger,
		file:      f,
		lastHash:  GenesisHash,
		nextSeq:   1,
		listeners: make(map[int]Listener),
	}

	if err := j.recover(); err != nil {
		f.Close()
		return nil, fmt.Errorf("journal: recover %s: %w", cfg.Path, err)
	}

	j.registerShutdownHandler()

	return j, nil
}

// recover scans the existing file to establish nextSeq/lastHash, and
// truncates a trailing line that failed to terminate in a newline (the
// signature of a crash mid-Append).
func (j *Journal) recover() error {
	if _, err := j.file.Seek(0, 0); err != nil {
		return err
	}

	scanner := bufio.NewScanner(j.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var offset int64
	var lastGoodOffset int64
	var sawAny bool

	for scanner.Scan() {
		line := scanner.Bytes()
		lineLen := int64(len(line)) + 1 // +1 for newline

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			j.log.Warn("journal: discarding unparseable trailing line on recovery", "path", j.cfg.Path)
			break
		}

		j.lastHash = ev.Hash
		j.nextSeq = ev.Seq + 1
		sawAny = true
		offset += lineLen
		lastGoodOffset = offset
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if !sawAny {
		j.lastHash = GenesisHash
		j.nextSeq = 1
		lastGoodOffset = 0
	}

	if err := j.file.Truncate(lastGoodOffset); err != nil {
		return err
	}
	if _, err := j.file.Seek(lastGoodOffset, 0); err != nil {
		return err
	}
	return nil
}

// Append assigns the next sequence number and hash to event, writes it
// durably, and synchronously notifies every subscriber before returning.
func (j *Journal) Append(event Event) (Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	event.Seq = j.nextSeq
	event.PrevHash = j.lastHash

	hash, err := computeHash(event.Seq, event.SessionID, event.Type, event.Timestamp, event.Payload, event.PrevHash)
	if err != nil {
		return Event{}, fmt.Errorf("journal: compute hash for seq %d: %w", event.Seq, err)
	}
	event.Hash = hash

	line, err := json.Marshal(event)
	if err != nil {
		return Event{}, fmt.Errorf("journal: marshal event seq %d: %w", event.Seq, err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		return Event{}, fmt.Errorf("journal: write event seq %d: %w", event.Seq, err)
	}
	if err := j.file.Sync(); err != nil {
		return Event{}, fmt.Errorf("journal: fsync event seq %d: %w", event.Seq, err)
	}

	j.nextSeq++
	j.lastHash = event.Hash

	j.notify(event)

	return event, nil
}

// notify invokes every listener, in registration order, blocking until
// each returns. Called with j.mu held so a single Journal instance never
// interleaves notifications from two concurrent Appends.
func (j *Journal) notify(event Event) {
	j.listenersMu.RLock()
	defer j.listenersMu.RUnlock()
	for id := 0; id < j.nextListener; id++ {
		if l, ok := j.listeners[id]; ok {
			l(event)
		}
	}
}

// On registers a listener and returns an unsubscribe function.
func (j *Journal) On(listener Listener) (unsubscribe func()) {
	j.listenersMu.Lock()
	id := j.nextListener
	j.nextListener++
	j.listeners[id] = listener
	j.listenersMu.Unlock()

	return func() {
		j.listenersMu.Lock()
		delete(j.listeners, id)
		j.listenersMu.Unlock()
	}
}

// ReadAll returns every event in the journal, in append order.
func (j *Journal) ReadAll() ([]Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.readAllLocked()
}

// ReadSession returns every event for sessionID, in append order.
func (j *Journal) ReadSession(sessionID string) ([]Event, error) {
	all, err := j.ReadAll()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(all))
	for _, ev := range all {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (j *Journal) readAllLocked() ([]Event, error) {
	if _, err := j.file.Seek(0, 0); err != nil {
		return nil, err
	}
	defer j.file.Seek(0, 2) // restore write position at end-of-file

	var events []Event
	scanner := bufio.NewScanner(j.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("journal: parse event: %w", err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// VerifyIntegrity walks the journal file and confirms each event's
// prev_hash matches the previous event's hash, and that each event's
// own hash matches its recomputed digest.
func (j *Journal) VerifyIntegrity() (IntegrityReport, error) {
	events, err := j.ReadAll()
	if err != nil {
		return IntegrityReport{}, err
	}

	expectedPrev := GenesisHash
	for _, ev := range events {
		if ev.PrevHash != expectedPrev {
			return IntegrityReport{Valid: false, BrokenAt: ev.Seq}, nil
		}
		recomputed, err := computeHash(ev.Seq, ev.SessionID, ev.Type, ev.Timestamp, ev.Payload, ev.PrevHash)
		if err != nil {
			return IntegrityReport{}, fmt.Errorf("journal: recompute hash for seq %d: %w", ev.Seq, err)
		}
		if recomputed != ev.Hash {
			return IntegrityReport{Valid: false, BrokenAt: ev.Seq}, nil
		}
		expectedPrev = ev.Hash
	}

	return IntegrityReport{Valid: true}, nil
}

// registerShutdownHandler arranges for the journal file to be closed
// cleanly on SIGINT/SIGTERM, mirroring the drain-then-close discipline
// an in-process audit sink uses on shutdown.
func (j *Journal) registerShutdownHandler() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	j.stopSig = stop

	go func() {
		<-ctx.Done()
		if err := j.Close(); err != nil {
			j.log.Error("journal: error closing on shutdown", "error", err)
		}
	}()
}

// Close flushes and closes the underlying file. Safe to call more than
// once.
func (j *Journal) Close() error {
	var closeErr error
	j.closeOnce.Do(func() {
		if j.stopSig != nil {
			j.stopSig()
		}
		j.mu.Lock()
		defer j.mu.Unlock()
		if err := j.file.Sync(); err != nil {
			closeErr = err
			return
		}
		closeErr = j.file.Close()
	})
	return closeErr
}
