package errorlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhnixjj-source/emag-erp-sub001/internal/classify"
	"github.com/xhnixjj-source/emag-erp-sub001/internal/db"
)

func TestSinkRecord(t *testing.T) {
	t.Parallel()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	occurredAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO error_logs").
		WithArgs("task-1", "navigation_timeout", "navigation timed out after 10s",
			"page_navigation", "https://www.emag.ro/pd/D123/", false, occurredAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	var buf bytes.Buffer
	sink := New(db.NewDbQueue(sqlDB), &buf)

	err = sink.Record(context.Background(), Entry{
		TaskID:     "task-1",
		Type:       classify.NavigationTimeout,
		Message:    "navigation timed out after 10s",
		Location:   "page_navigation",
		Target:     "https://www.emag.ro/pd/D123/",
		OccurredAt: occurredAt,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	// The file line carries the legacy shape
	var record struct {
		Timestamp string `json:"timestamp"`
		Location  string `json:"location"`
		Data      struct {
			Error        string `json:"error"`
			ErrorMessage string `json:"error_message"`
			URL          string `json:"url"`
		} `json:"data"`
	}
	line := strings.TrimSpace(buf.String())
	require.NoError(t, json.Unmarshal([]byte(line), &record))
	assert.Equal(t, "2026-03-01T12:00:00Z", record.Timestamp)
	assert.Equal(t, "page_navigation", record.Location)
	assert.Equal(t, "navigation_timeout", record.Data.Error)
	assert.Equal(t, "navigation timed out after 10s", record.Data.ErrorMessage)
	assert.Equal(t, "https://www.emag.ro/pd/D123/", record.Data.URL)
}

func TestSinkRecordOneRowPerAttempt(t *testing.T) {
	t.Parallel()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	for i := 0; i < 3; i++ {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO error_logs").
			WillReturnResult(sqlmock.NewResult(int64(i+1), 1))
		mock.ExpectCommit()
	}

	var buf bytes.Buffer
	sink := New(db.NewDbQueue(sqlDB), &buf)

	for i := 0; i < 3; i++ {
		err := sink.Record(context.Background(), Entry{
			TaskID:   "task-1",
			Type:     classify.ElementWaitTimeout,
			Message:  "element wait timed out after 20s",
			Location: "element_wait",
			Target:   "https://www.emag.ro/pd/D123/",
		})
		require.NoError(t, err)
	}

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 3, strings.Count(buf.String(), "\n"))
}

func TestSinkRecordInsertFailure(t *testing.T) {
	t.Parallel()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO error_logs").
		WillReturnError(errors.New("connection lost"))
	mock.ExpectRollback()

	var buf bytes.Buffer
	sink := New(db.NewDbQueue(sqlDB), &buf)

	err = sink.Record(context.Background(), Entry{
		TaskID:   "task-1",
		Type:     classify.ExtractionFailure,
		Message:  "price node missing",
		Location: "extraction",
	})
	require.Error(t, err)
	// No file line without a database row
	assert.Empty(t, buf.String())
}

func TestSinkNilWriter(t *testing.T) {
	t.Parallel()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO error_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	sink := New(db.NewDbQueue(sqlDB), nil)
	err = sink.Record(context.Background(), Entry{
		TaskID:   "task-1",
		Type:     classify.Cancelled,
		Message:  "cancelled",
		Location: "queue",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
