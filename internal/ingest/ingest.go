// Package ingest turns an uploaded CSV into a profiled, materialized dataset.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/datatalk/datatalk/internal/dataset"
	"github.com/datatalk/datatalk/internal/observability"
	"github.com/datatalk/datatalk/internal/storage"
)

var (
	ErrUnsupportedFile = errors.New("only CSV files are supported")
	ErrInvalidCSV      = errors.New("csv could not be parsed")
	ErrEmptyDataset    = errors.New("csv contains no rows")
)

const rawTable = "raw_upload"

type Config struct {
	Store storage.ObjectStore
	// Dictionary is optional; without it the dataset has no dictionary.
	Dictionary         *DictionaryBuilder
	TableName          string
	ProfileConcurrency int
	Logger             *slog.Logger
}

type Ingestor struct {
	store       storage.ObjectStore
	dictionary  *DictionaryBuilder
	tableName   string
	concurrency int
	logger      *slog.Logger
}

type Request struct {
	OwnerID   string
	SessionID string
	Filename  string
	Body      io.Reader
}

type Dataset struct {
	Schema       dataset.Schema
	Dictionary   dataset.DataDictionary
	Columns      []string
	RowCount     int64
	TableName    string
	SourceKey    string
	ParquetKey   string
	TargetColumn string
}

func New(cfg Config) (*Ingestor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	tableName := strings.TrimSpace(cfg.TableName)
	if tableName == "" {
		tableName = "dataset"
	}
	return &Ingestor{
		store:       cfg.Store,
		dictionary:  cfg.Dictionary,
		tableName:   tableName,
		concurrency: max(cfg.ProfileConcurrency, 1),
		logger:      observability.LoggerOrDiscard(cfg.Logger),
	}, nil
}

func (i *Ingestor) Ingest(ctx context.Context, req Request) (Dataset, error) {
	if !strings.EqualFold(filepath.Ext(req.Filename), ".csv") {
		return Dataset{}, ErrUnsupportedFile
	}
	if req.Body == nil {
		return Dataset{}, fmt.Errorf("%w: empty upload", ErrInvalidCSV)
	}
	sourceKey, err := storage.BuildDatasetPath(req.OwnerID, req.SessionID, storage.DatasetSource)
	if err != nil {
		return Dataset{}, err
	}
	parquetKey, err := storage.BuildDatasetPath(req.OwnerID, req.SessionID, storage.DatasetMaterialized)
	if err != nil {
		return Dataset{}, err
	}

	start := time.Now()
	workDir, err := os.MkdirTemp("", "datatalk-ingest-")
	if err != nil {
		return Dataset{}, fmt.Errorf("create ingest temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	csvPath := filepath.Join(workDir, "source.csv")
	if err := writeFile(csvPath, req.Body); err != nil {
		return Dataset{}, fmt.Errorf("write upload: %w", err)
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return Dataset{}, fmt.Errorf("open duckdb: %w", err)
	}
	defer func() { _ = db.Close() }()

	columns, err := i.load(ctx, db, csvPath)
	if err != nil {
		return Dataset{}, err
	}

	var rowCount int64
	if err := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(i.tableName))).Scan(&rowCount); err != nil {
		return Dataset{}, fmt.Errorf("count rows: %w", err)
	}
	if rowCount == 0 {
		return Dataset{}, ErrEmptyDataset
	}

	schema, err := profileTable(ctx, db, i.tableName, columns, i.concurrency)
	if err != nil {
		return Dataset{}, err
	}

	parquetPath := filepath.Join(workDir, "dataset.parquet")
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`COPY %s TO %s (FORMAT PARQUET)`, quoteIdent(i.tableName), quoteString(parquetPath))); err != nil {
		return Dataset{}, fmt.Errorf("materialize parquet: %w", err)
	}

	if err := i.upload(ctx, sourceKey, csvPath, storage.PutOptions{
		ContentType: storage.ContentTypeCSV,
		Metadata:    storage.DatasetMetadata(req.OwnerID, req.SessionID, storage.DatasetSource),
	}); err != nil {
		return Dataset{}, err
	}
	if err := i.upload(ctx, parquetKey, parquetPath, storage.PutOptions{
		ContentType: storage.ContentTypeParquet,
		Metadata:    storage.DatasetMetadata(req.OwnerID, req.SessionID, storage.DatasetMaterialized),
	}); err != nil {
		return Dataset{}, err
	}

	var dictionary dataset.DataDictionary
	if i.dictionary != nil {
		dictionary = i.dictionary.Build(ctx, schema)
	}

	names := make([]string, 0, len(columns))
	for _, column := range columns {
		names = append(names, column.name)
	}

	elapsed := time.Since(start)
	observability.ObserveIngest(rowCount, elapsed)
	i.logger.Info("dataset ingested",
		"session_id", req.SessionID,
		"rows", rowCount,
		"columns", len(columns),
		"duration_ms", elapsed.Milliseconds(),
	)

	return Dataset{
		Schema:       schema,
		Dictionary:   dictionary,
		Columns:      names,
		RowCount:     rowCount,
		TableName:    i.tableName,
		SourceKey:    sourceKey,
		ParquetKey:   parquetKey,
		TargetColumn: dataset.DetectTargetColumn(schema),
	}, nil
}

// load reads the CSV into a staging table, then creates the session table
// with normalized column names, trimmed strings and duplicate rows removed.
func (i *Ingestor) load(ctx context.Context, db *sql.DB, csvPath string) ([]columnInfo, error) {
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE %s AS SELECT * FROM read_csv_auto(%s, header = true)`, rawTable, quoteString(csvPath))); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCSV, err)
	}

	rows, err := db.QueryContext(ctx, `SELECT column_name, data_type FROM information_schema.columns WHERE table_name = ? ORDER BY ordinal_position`, rawTable)
	if err != nil {
		return nil, fmt.Errorf("describe upload: %w", err)
	}
	raw := make([]columnInfo, 0)
	for rows.Next() {
		var column columnInfo
		if err := rows.Scan(&column.name, &column.dbType); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan upload column: %w", err)
		}
		raw = append(raw, column)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, ErrEmptyDataset
	}

	headers := make([]string, len(raw))
	for idx, column := range raw {
		headers[idx] = column.name
	}
	normalized := NormalizeColumnNames(headers)

	projections := make([]string, len(raw))
	columns := make([]columnInfo, len(raw))
	for idx, column := range raw {
		expr := quoteIdent(column.name)
		if strings.EqualFold(column.dbType, "VARCHAR") {
			expr = fmt.Sprintf(`NULLIF(TRIM(%s), '')`, expr)
		}
		projections[idx] = fmt.Sprintf(`%s AS %s`, expr, quoteIdent(normalized[idx]))
		columns[idx] = columnInfo{name: normalized[idx], dbType: column.dbType}
	}

	statement := fmt.Sprintf(`CREATE TABLE %s AS SELECT DISTINCT %s FROM %s`, quoteIdent(i.tableName), strings.Join(projections, ", "), rawTable)
	if _, err := db.ExecContext(ctx, statement); err != nil {
		return nil, fmt.Errorf("create dataset table: %w", err)
	}
	return columns, nil
}

func (i *Ingestor) upload(ctx context.Context, key, localPath string, opts storage.PutOptions) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}
	if _, err := i.store.Put(ctx, key, file, info.Size(), opts); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

func writeFile(path string, reader io.Reader) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	if _, err := io.Copy(file, reader); err != nil {
		return err
	}
	return nil
}
