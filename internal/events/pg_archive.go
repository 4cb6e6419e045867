package events

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
)

const archiveSchema = `
CREATE TABLE IF NOT EXISTS %s (
    seq         BIGINT PRIMARY KEY,
    ts          TIMESTAMPTZ NOT NULL,
    event_type  TEXT NOT NULL,
    agent_id    TEXT,
    artifact_id TEXT,
    data        JSONB NOT NULL
)`

// PGArchive copies committed events into a Postgres table for offline
// analytics. Like the Redis mirror it is advisory; the JSONL log stays
// canonical and archive failures never block a commit.
type PGArchive struct {
	db     *sql.DB
	table  string
	sub    <-chan Event
	busID  string
	bus    *Bus
	doneCh chan struct{}
	logger *log.Logger
}

// StartPGArchive opens the database, ensures the table exists, and
// begins draining a firehose subscription in the background.
func StartPGArchive(dsn, table string, bus *Bus) (*PGArchive, error) {
	if table == "" {
		table = "terrarium_events"
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf(archiveSchema, table)); err != nil {
		db.Close()
		return nil, fmt.Errorf("create archive table: %w", err)
	}

	a := &PGArchive{
		db:     db,
		table:  table,
		busID:  "pg-archive",
		bus:    bus,
		doneCh: make(chan struct{}),
		logger: log.New(log.Writer(), "[PGArchive] ", log.LstdFlags),
	}
	a.sub = bus.Subscribe(a.busID, 512)
	go a.run()
	a.logger.Printf("🗄️  archiving events to postgres table %q", table)
	return a, nil
}

func (a *PGArchive) run() {
	defer close(a.doneCh)
	insert := fmt.Sprintf(
		"INSERT INTO %s (seq, ts, event_type, agent_id, artifact_id, data) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (seq) DO NOTHING",
		a.table,
	)
	for ev := range a.sub {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			a.logger.Printf("⚠️  marshal event %d data: %v", ev.Seq, err)
			continue
		}
		var agentID, artifactID interface{}
		if ev.AgentID != "" {
			agentID = ev.AgentID
		}
		if ev.ArtifactID != "" {
			artifactID = ev.ArtifactID
		}
		// One retry; after that the event is dropped from the archive
		// (still on disk in the JSONL log).
		for attempt := 1; attempt <= 2; attempt++ {
			_, err = a.db.Exec(insert, ev.Seq, ev.TS, ev.EventType, agentID, artifactID, data)
			if err == nil {
				break
			}
			if attempt == 1 {
				time.Sleep(200 * time.Millisecond)
			}
		}
		if err != nil {
			a.logger.Printf("⚠️  archive event %d: %v", ev.Seq, err)
		}
	}
}

// Close detaches from the bus and closes the database.
func (a *PGArchive) Close() error {
	a.bus.Unsubscribe(a.busID)
	<-a.doneCh
	return a.db.Close()
}
