// Package record persists tapped frames into a SQLite database for
// offline inspection of a session. The recorder consumes a debug tap
// stream and is strictly best-effort: a slow or failed recorder loses
// frames, it never back-pressures the connection.
package record

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite" // cgo-free sqlite driver

	"github.com/deltazero-dev/agentwire/internal/rpc"
)

const schema = `
CREATE TABLE IF NOT EXISTS frames (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	direction   TEXT NOT NULL,
	method      TEXT NOT NULL DEFAULT '',
	ts_unix_ms  INTEGER NOT NULL,
	fingerprint INTEGER NOT NULL,
	raw         BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS frames_method ON frames(method);
`

// Recorder drains one tap stream into the database.
type Recorder struct {
	db     *sql.DB
	logger *slog.Logger

	wg   sync.WaitGroup
	once sync.Once
}

// Open creates or opens the database at path and prepares the schema. Use
// ":memory:" for an ephemeral store.
func Open(path string, logger *slog.Logger) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open frame store: %w", err)
	}
	// The recorder is the only writer; WAL keeps readers out of its way.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		logger.Debug("WAL mode unavailable", "error", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare frame store schema: %w", err)
	}
	return &Recorder{db: db, logger: logger}, nil
}

// Consume starts draining the tap in the background. It returns
// immediately; Close waits for the drain to finish.
func (r *Recorder) Consume(tap *rpc.Tap) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for rec := range tap.Records() {
			if err := r.insert(rec); err != nil {
				r.logger.Warn("failed to record frame", "error", err)
			}
		}
	}()
}

func (r *Recorder) insert(rec rpc.TapRecord) error {
	_, err := r.db.Exec(
		"INSERT INTO frames(direction, method, ts_unix_ms, fingerprint, raw) VALUES(?,?,?,?,?)",
		string(rec.Direction), rec.Method, rec.Time.UnixMilli(),
		// SQLite integers are signed 64-bit; the cast is lossless and
		// reversible.
		int64(rec.Fingerprint), rec.Raw,
	)
	return err
}

// Count returns the number of recorded frames.
func (r *Recorder) Count() (int, error) {
	var n int
	err := r.db.QueryRow("SELECT COUNT(*) FROM frames").Scan(&n)
	return n, err
}

// Close waits for the tap to finish draining and closes the database.
// Callers close the tap (or the endpoint) first.
func (r *Recorder) Close() error {
	var err error
	r.once.Do(func() {
		r.wg.Wait()
		err = r.db.Close()
	})
	return err
}
