package errorlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xhnixjj-source/emag-erp-sub001/internal/classify"
)

// Executor runs a database operation in a transaction
type Executor interface {
	Execute(ctx context.Context, fn func(*sql.Tx) error) error
}

// Entry is one failed crawl attempt to be recorded
type Entry struct {
	TaskID              string
	Type                classify.ErrorType
	Message             string
	Location            string // stage tag, e.g. "page_navigation"
	Target              string
	CategoryRankTimeout bool
	OccurredAt          time.Time
}

// fileRecord is the on-disk line format. Kept stable so downstream log
// tooling that tails the file keeps parsing.
type fileRecord struct {
	Timestamp string         `json:"timestamp"`
	Location  string         `json:"location"`
	Data      fileRecordData `json:"data"`
}

type fileRecordData struct {
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
	URL          string `json:"url"`
}

// Sink persists failure records to the error_logs table and appends one JSON
// line per failure to an optional writer. Database persistence is
// authoritative; the file append is best-effort and never fails a Record.
type Sink struct {
	exec Executor

	mu  sync.Mutex
	out io.Writer
}

// New creates a Sink. out may be nil to disable the file append.
func New(exec Executor, out io.Writer) *Sink {
	return &Sink{exec: exec, out: out}
}

// Record writes one failure. Every failed attempt gets its own row, so a task
// that fails three times before succeeding leaves three rows behind.
func (s *Sink) Record(ctx context.Context, entry Entry) error {
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now()
	}

	err := s.exec.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO error_logs (
				task_id, error_type, raw_message, location, target,
				category_rank_timeout, occurred_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, entry.TaskID, string(entry.Type), entry.Message, entry.Location,
			entry.Target, entry.CategoryRankTimeout, entry.OccurredAt)
		if err != nil {
			return fmt.Errorf("failed to insert error log: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.appendLine(entry)
	return nil
}

func (s *Sink) appendLine(entry Entry) {
	if s.out == nil {
		return
	}

	record := fileRecord{
		Timestamp: entry.OccurredAt.UTC().Format(time.RFC3339),
		Location:  entry.Location,
		Data: fileRecordData{
			Error:        string(entry.Type),
			ErrorMessage: entry.Message,
			URL:          entry.Target,
		},
	}

	line, err := json.Marshal(record)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal error log line")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(append(line, '\n')); err != nil {
		log.Error().Err(err).Msg("Failed to append error log line")
	}
}
