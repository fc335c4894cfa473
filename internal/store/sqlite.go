// =============================================================================
// 文件: internal/store/sqlite.go
// 描述: SQLite 持久化存储 - WAL 模式，带写穿透 LRU 记录缓存
// =============================================================================
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mrcgq/wsrm/internal/sequence"
)

//go:embed schema.sql
var schemaSQL string

// DefaultCacheSize 默认缓存条目数
const DefaultCacheSize = 1024

// SQLiteStore SQLite 存储
type SQLiteStore struct {
	db *sql.DB

	rmsCache *lru.Cache[string, *sequence.RMSBean]
	rmdCache *lru.Cache[string, *sequence.RMDBean]

	closed int32
}

// OpenSQLite 打开或创建数据库
func OpenSQLite(path string, cacheSize int) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite 路径不能为空")
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// SQLite 单写者
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("执行 %q 失败: %w", p, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化表结构失败: %w", err)
	}

	rmsCache, err := lru.New[string, *sequence.RMSBean](cacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	rmdCache, err := lru.New[string, *sequence.RMDBean](cacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db, rmsCache: rmsCache, rmdCache: rmdCache}, nil
}

func (s *SQLiteStore) check() error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrClosed
	}
	return nil
}

// =============================================================================
// 发送端记录
// =============================================================================

func (s *SQLiteStore) LoadRMS(ctx context.Context, id string) (*sequence.RMSBean, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if b, ok := s.rmsCache.Get(id); ok {
		return b.Clone(), nil
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT state, last_message_number, protocol_version, created_at,
		       next_message_number, highest_acked, acked_ranges,
		       retransmit_interval, last_activity
		FROM rms WHERE id = ?`, id)

	b := &sequence.RMSBean{}
	b.ID = id
	b.Direction = sequence.Outbound
	var (
		state, version                  int64
		last, next, highest             int64
		created, interval, lastActivity int64
		ranges                          string
	)
	err := row.Scan(&state, &last, &version, &created, &next, &highest, &ranges, &interval, &lastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取发送端记录失败: %w", err)
	}

	b.State = sequence.State(state)
	b.LastMessageNumber = uint64(last)
	b.ProtocolVersion = sequence.ProtocolVersion(version)
	b.CreatedAt = fromNanos(created)
	b.NextMessageNumber = uint64(next)
	b.HighestAckedNumber = uint64(highest)
	b.RetransmitInterval = time.Duration(interval)
	b.LastActivity = fromNanos(lastActivity)
	if b.AckedRanges, err = decodeRanges(ranges); err != nil {
		return nil, err
	}

	s.rmsCache.Add(id, b.Clone())
	return b, nil
}

func (s *SQLiteStore) StoreRMS(ctx context.Context, b *sequence.RMSBean) error {
	if err := s.check(); err != nil {
		return err
	}
	ranges, err := encodeRanges(b.AckedRanges)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rms (id, state, last_message_number, protocol_version, created_at,
		                 next_message_number, highest_acked, acked_ranges,
		                 retransmit_interval, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			last_message_number = excluded.last_message_number,
			protocol_version = excluded.protocol_version,
			next_message_number = excluded.next_message_number,
			highest_acked = excluded.highest_acked,
			acked_ranges = excluded.acked_ranges,
			retransmit_interval = excluded.retransmit_interval,
			last_activity = excluded.last_activity`,
		b.ID, int64(b.State), int64(b.LastMessageNumber), int64(b.ProtocolVersion), toNanos(b.CreatedAt),
		int64(b.NextMessageNumber), int64(b.HighestAckedNumber), ranges,
		int64(b.RetransmitInterval), toNanos(b.LastActivity))
	if err != nil {
		s.rmsCache.Remove(b.ID)
		return fmt.Errorf("写入发送端记录失败: %w", err)
	}
	s.rmsCache.Add(b.ID, b.Clone())
	return nil
}

// =============================================================================
// 接收端记录
// =============================================================================

func (s *SQLiteStore) LoadRMD(ctx context.Context, id string) (*sequence.RMDBean, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if b, ok := s.rmdCache.Get(id); ok {
		return b.Clone(), nil
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT state, last_message_number, protocol_version, created_at,
		       highest_in, acked_ranges, closed, terminated, last_activity
		FROM rmd WHERE id = ?`, id)

	b := &sequence.RMDBean{}
	b.ID = id
	b.Direction = sequence.Inbound
	var (
		state, version, last, highest int64
		created, lastActivity         int64
		closed, terminated            bool
		ranges                        string
	)
	err := row.Scan(&state, &last, &version, &created, &highest, &ranges, &closed, &terminated, &lastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取接收端记录失败: %w", err)
	}

	b.State = sequence.State(state)
	b.LastMessageNumber = uint64(last)
	b.ProtocolVersion = sequence.ProtocolVersion(version)
	b.CreatedAt = fromNanos(created)
	b.HighestInMessageNumber = uint64(highest)
	b.Closed = closed
	b.Terminated = terminated
	b.LastActivity = fromNanos(lastActivity)
	if b.AckedRanges, err = decodeRanges(ranges); err != nil {
		return nil, err
	}

	s.rmdCache.Add(id, b.Clone())
	return b, nil
}

func (s *SQLiteStore) StoreRMD(ctx context.Context, b *sequence.RMDBean) error {
	if err := s.check(); err != nil {
		return err
	}
	ranges, err := encodeRanges(b.AckedRanges)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rmd (id, state, last_message_number, protocol_version, created_at,
		                 highest_in, acked_ranges, closed, terminated, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			last_message_number = excluded.last_message_number,
			protocol_version = excluded.protocol_version,
			highest_in = excluded.highest_in,
			acked_ranges = excluded.acked_ranges,
			closed = excluded.closed,
			terminated = excluded.terminated,
			last_activity = excluded.last_activity`,
		b.ID, int64(b.State), int64(b.LastMessageNumber), int64(b.ProtocolVersion), toNanos(b.CreatedAt),
		int64(b.HighestInMessageNumber), ranges, b.Closed, b.Terminated, toNanos(b.LastActivity))
	if err != nil {
		s.rmdCache.Remove(b.ID)
		return fmt.Errorf("写入接收端记录失败: %w", err)
	}
	s.rmdCache.Add(b.ID, b.Clone())
	return nil
}

// Delete 删除序列及其待确认消息 (单事务)
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if err := s.check(); err != nil {
		return err
	}
	s.rmsCache.Remove(id)
	s.rmdCache.Remove(id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	for _, q := range []string{
		`DELETE FROM rms WHERE id = ?`,
		`DELETE FROM rmd WHERE id = ?`,
		`DELETE FROM pending WHERE sequence_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			tx.Rollback()
			return fmt.Errorf("删除序列失败: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListByState(ctx context.Context, state sequence.State) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM rms WHERE state = ?
		UNION
		SELECT id FROM rmd WHERE state = ?
		ORDER BY id`, int64(state), int64(state))
	if err != nil {
		return nil, fmt.Errorf("查询序列失败: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) CountByState(ctx context.Context, dir sequence.Direction, state sequence.State) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	table := "rms"
	if dir == sequence.Inbound {
		table = "rmd"
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE state = ?`, int64(state)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("统计序列失败: %w", err)
	}
	return n, nil
}

// =============================================================================
// 待确认消息
// =============================================================================

func (s *SQLiteStore) StorePending(ctx context.Context, p *sequence.PendingMessage) error {
	if err := s.check(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending (sequence_id, message_number, payload, last_message,
		                     send_count, next_retransmit, first_sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sequence_id, message_number) DO UPDATE SET
			payload = excluded.payload,
			last_message = excluded.last_message,
			send_count = excluded.send_count,
			next_retransmit = excluded.next_retransmit`,
		p.SequenceID, int64(p.MessageNumber), p.Payload, p.LastMessage,
		p.SendCount, toNanos(p.NextRetransmitTime), toNanos(p.FirstSentAt))
	if err != nil {
		return fmt.Errorf("写入待确认消息失败: %w", err)
	}
	return nil
}

const pendingColumns = `sequence_id, message_number, payload, last_message, send_count, next_retransmit, first_sent_at`

func scanPending(scan func(dest ...any) error) (*sequence.PendingMessage, error) {
	p := &sequence.PendingMessage{}
	var n, next, first int64
	if err := scan(&p.SequenceID, &n, &p.Payload, &p.LastMessage, &p.SendCount, &next, &first); err != nil {
		return nil, err
	}
	p.MessageNumber = uint64(n)
	p.NextRetransmitTime = fromNanos(next)
	p.FirstSentAt = fromNanos(first)
	return p, nil
}

func (s *SQLiteStore) LoadPending(ctx context.Context, id string, n uint64) (*sequence.PendingMessage, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pendingColumns+` FROM pending WHERE sequence_id = ? AND message_number = ?`, id, int64(n))
	p, err := scanPending(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取待确认消息失败: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) DeletePending(ctx context.Context, id string, n uint64) error {
	if err := s.check(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending WHERE sequence_id = ? AND message_number = ?`, id, int64(n))
	return err
}

func (s *SQLiteStore) DeleteAllPending(ctx context.Context, id string) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending WHERE sequence_id = ?`, id)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) queryPending(ctx context.Context, query string, args ...any) ([]*sequence.PendingMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询待确认消息失败: %w", err)
	}
	defer rows.Close()

	var out []*sequence.PendingMessage
	for rows.Next() {
		p, err := scanPending(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListPending(ctx context.Context, id string) ([]*sequence.PendingMessage, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.queryPending(ctx,
		`SELECT `+pendingColumns+` FROM pending WHERE sequence_id = ? ORDER BY message_number`, id)
}

func (s *SQLiteStore) ListDuePending(ctx context.Context, now time.Time) ([]*sequence.PendingMessage, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.queryPending(ctx,
		`SELECT `+pendingColumns+` FROM pending WHERE next_retransmit <= ? ORDER BY sequence_id, message_number`,
		toNanos(now))
}

// Close 关闭数据库
func (s *SQLiteStore) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.rmsCache.Purge()
	s.rmdCache.Purge()
	return s.db.Close()
}

// =============================================================================
// 编码辅助
// =============================================================================

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func encodeRanges(rs sequence.Ranges) (string, error) {
	if rs == nil {
		return "[]", nil
	}
	data, err := json.Marshal(rs)
	if err != nil {
		return "", fmt.Errorf("编码确认区间失败: %w", err)
	}
	return string(data), nil
}

func decodeRanges(s string) (sequence.Ranges, error) {
	var rs sequence.Ranges
	if err := json.Unmarshal([]byte(s), &rs); err != nil {
		return nil, fmt.Errorf("解码确认区间失败: %w", err)
	}
	if len(rs) == 0 {
		return nil, nil
	}
	return rs, nil
}
