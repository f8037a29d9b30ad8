package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/betbot/perpmm/internal/metrics"
)

// SQLiteSink 可查询的审计副本。写入走后台 goroutine，队列满时丢弃并计数。
type SQLiteSink struct {
	db *sql.DB
	ch chan Entry

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// OpenSQLite 打开（或创建）SQLite 审计库
func OpenSQLite(path string, buffer int) (*SQLiteSink, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite：单连接
	db.SetMaxIdleConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if buffer <= 0 {
		buffer = 1024
	}
	s := &SQLiteSink{db: db, ch: make(chan Entry, buffer)}
	s.wg.Add(1)
	go s.loop()
	return s, nil
}

func migrate(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS journal (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts_ns INTEGER NOT NULL,
			kind TEXT NOT NULL,
			client_id TEXT,
			from_state TEXT,
			to_state TEXT,
			reason TEXT,
			fields TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_journal_client ON journal(client_id);`,
		`CREATE INDEX IF NOT EXISTS idx_journal_kind_ts ON journal(kind, ts_ns);`,
	}
	for _, q := range stmts {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate journal: %w", err)
		}
	}
	return nil
}

func (s *SQLiteSink) loop() {
	defer s.wg.Done()
	for e := range s.ch {
		if err := s.insert(e); err != nil {
			metrics.JournalErrors.Add(1)
			log.WithError(err).Warn("写入 SQLite 审计记录失败")
		}
	}
}

func (s *SQLiteSink) insert(e Entry) error {
	var fields []byte
	if len(e.Fields) > 0 {
		b, err := json.Marshal(e.Fields)
		if err != nil {
			return err
		}
		fields = b
	}
	_, err := s.db.Exec(
		`INSERT INTO journal(ts_ns, kind, client_id, from_state, to_state, reason, fields) VALUES(?,?,?,?,?,?,?)`,
		e.Time.UnixNano(), e.Kind, e.ClientID, e.From, e.To, e.Reason, string(fields),
	)
	return err
}

func (s *SQLiteSink) Record(e Entry) {
	select {
	case s.ch <- e:
	default:
		metrics.JournalErrors.Add(1)
	}
}

// Close 写完积压记录后关闭
func (s *SQLiteSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Transitions 查询某订单的状态迁移历史（按时间）
func (s *SQLiteSink) Transitions(ctx context.Context, clientID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts_ns, kind, client_id, from_state, to_state, reason FROM journal WHERE client_id = ? ORDER BY id`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			ts                    int64
			e                     Entry
			cid, from, to, reason sql.NullString
		)
		if err := rows.Scan(&ts, &e.Kind, &cid, &from, &to, &reason); err != nil {
			return nil, err
		}
		e.Time = time.Unix(0, ts).UTC()
		e.ClientID, e.From, e.To, e.Reason = cid.String, from.String, to.String, reason.String
		out = append(out, e)
	}
	return out, rows.Err()
}
