package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// PostgresTableRepo はPostgreSQLに対する汎用テーブル操作。
type PostgresTableRepo struct {
	db *sql.DB
}

// NewPostgresTableRepo はPostgresTableRepoを生成する。
func NewPostgresTableRepo(db *sql.DB) *PostgresTableRepo {
	return &PostgresTableRepo{db: db}
}

// Select は条件に一致する行を返す。
func (r *PostgresTableRepo) Select(ctx context.Context, table string, q Query) ([]Row, error) {
	query, args := buildSelect(table, q)
	return r.query(ctx, table, "select", query, args)
}

// Insert は行を追加し、追加された行を返す。
func (r *PostgresTableRepo) Insert(ctx context.Context, table string, rows []Row) ([]Row, error) {
	query, args, err := buildInsert(table, rows, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return r.query(ctx, table, "insert", query, args)
}

// Upsert はconflictカラムの一意制約を使って行を追加または上書きする。
func (r *PostgresTableRepo) Upsert(ctx context.Context, table string, rows []Row, conflict []string) ([]Row, error) {
	query, args, err := buildInsert(table, rows, conflict)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return r.query(ctx, table, "upsert", query, args)
}

// Update は条件に一致する行を更新し、更新後の行を返す。
func (r *PostgresTableRepo) Update(ctx context.Context, table string, q Query, values Row) ([]Row, error) {
	query, args, err := buildUpdate(table, q, values)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return r.query(ctx, table, "update", query, args)
}

// Delete は条件に一致する行を削除し、削除した行を返す。
func (r *PostgresTableRepo) Delete(ctx context.Context, table string, q Query) ([]Row, error) {
	query, args := buildDelete(table, q)
	return r.query(ctx, table, "delete", query, args)
}

func (r *PostgresTableRepo) query(ctx context.Context, table, op, query string, args []any) ([]Row, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to %s %s: %w", op, table, translatePQError(err))
	}
	defer rows.Close()

	result, err := scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to %s %s: %w", op, table, translatePQError(err))
	}
	return result, nil
}

// scanRows は列型に応じてドライバの値をJSON向けの値に変換しながら読み出す。
func scanRows(rows *sql.Rows) ([]Row, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	result := []Row{}
	for rows.Next() {
		values := make([]any, len(types))
		ptrs := make([]any, len(types))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(Row, len(types))
		for i, ct := range types {
			row[ct.Name()] = convertValue(ct.DatabaseTypeName(), values[i])
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func convertValue(dbType string, v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	switch strings.ToUpper(dbType) {
	case "JSON", "JSONB":
		return json.RawMessage(append([]byte(nil), b...))
	case "NUMERIC":
		if f, err := strconv.ParseFloat(string(b), 64); err == nil {
			return f
		}
	}
	return string(b)
}

// translatePQError はPostgreSQLのエラーコードをリポジトリのセンチネルエラーに変換する。
func translatePQError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "23505":
		return fmt.Errorf("%w: %s", ErrDuplicate, pqErr.Constraint)
	case "23503", "23514", "23502", "22P02", "22007", "22008", "22003", "42703":
		return fmt.Errorf("%w: %s", ErrInvalidValue, pqErr.Message)
	}
	return err
}

// IsDuplicate は一意制約違反かどうかを返す。
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// compile-time interface check
var _ TableStore = (*PostgresTableRepo)(nil)
