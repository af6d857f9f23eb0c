package speedfile

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const (
	StoreQueueSize = 1024
)

// Create the entire db structure from the given config. Safe to call repeatedly
func CreateTables(config *Config) error {
	db, err := config.OpenDb()
	if err != nil {
		return err
	}
	defer db.Close()

	allSql := []string{
		`CREATE TABLE IF NOT EXISTS transfers (
      tid INTEGER PRIMARY KEY,
      reqid TEXT NOT NULL,
      remote TEXT NOT NULL,
      method TEXT NOT NULL,
      path TEXT NOT NULL,
      status INTEGER NOT NULL,
      agent TEXT NOT NULL,
      requested INTEGER NOT NULL,
      written INTEGER NOT NULL,
      started INTEGER NOT NULL,
      finished INTEGER NOT NULL,
      completed INTEGER NOT NULL,
      error TEXT NOT NULL
    );`,
		`CREATE INDEX IF NOT EXISTS idx_transfers_finished ON transfers (finished)`,
		`CREATE INDEX IF NOT EXISTS idx_transfers_remote ON transfers (remote)`,
	}

	for _, sql := range allSql {
		_, err = db.Exec(sql)
		if err != nil {
			return err
		}
	}

	return nil
}

// Insert a single transfer record
func InsertTransfer(rec *TransferRecord, db *sql.DB) error {
	_, err := db.Exec(
		`INSERT INTO transfers(reqid, remote, method, path, status, agent, requested, written, started, finished, completed, error)
     VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.RequestID, rec.RemoteAddr, rec.Method, rec.Path, rec.Status, rec.UserAgent,
		int64(rec.Requested), int64(rec.Written), rec.Start.UnixMilli(), rec.End.UnixMilli(),
		rec.Completed, rec.Err,
	)
	return err
}

// TransferStore is a Sink that writes records to the database from a single
// goroutine. Records are queued so handlers never wait on the disk; if the
// queue is full the record is dropped (with a warning) rather than stalling a download.
type TransferStore struct {
	config *Config
	db     *sql.DB
	queue  chan *TransferRecord
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func OpenTransferStore(config *Config) (*TransferStore, error) {
	if err := CreateTables(config); err != nil {
		return nil, err
	}
	db, err := config.OpenDb()
	if err != nil {
		return nil, err
	}
	s := &TransferStore{
		config: config,
		db:     db,
		queue:  make(chan *TransferRecord, StoreQueueSize),
	}
	s.wg.Add(1)
	go s.writer()
	return s, nil
}

func (s *TransferStore) writer() {
	defer s.wg.Done()
	for rec := range s.queue {
		if err := InsertTransfer(rec, s.db); err != nil {
			logrus.WithError(err).WithField("path", rec.Path).Error("can't store transfer")
		}
	}
}

func (s *TransferStore) Record(rec *TransferRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- rec:
	default:
		logrus.WithField("path", rec.Path).Warn("transfer store queue full, dropping record")
	}
}

// Stop accepting records, write everything still queued and close the db
func (s *TransferStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
	return s.db.Close()
}

// Delete transfer history older than the given time
func PruneTransfers(before time.Time, config *Config) (int64, error) {
	db, err := config.OpenDb()
	if err != nil {
		return 0, err
	}
	defer db.Close()
	result, err := db.Exec("DELETE FROM transfers WHERE finished < ?", before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
