package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"
)

// Row はテーブルの1行をカラム名→値で表す。
type Row map[string]any

// Predicate は1つの条件を表す。
// In が nil の場合は Column = Value、そうでなければ
// Column IN (SELECT In.Column FROM In.Table WHERE In.Where = Value) となる。
type Predicate struct {
	Column string
	Value  any
	In     *SubSelect
}

// SubSelect は所有者判定などに使う副問い合わせ。
type SubSelect struct {
	Table  string
	Column string
	Where  string
}

// Eq は等値条件を生成する。
func Eq(column string, value any) Predicate {
	return Predicate{Column: column, Value: value}
}

// Order は並び順。
type Order struct {
	Column string
	Desc   bool
}

// Query は汎用操作の絞り込み条件。
// Filters はすべてAND、Scope は行レベルポリシーによる可視範囲で
// 各要素（AND条件の組）のいずれかを満たす行に限定する。
type Query struct {
	Filters []Predicate
	Scope   [][]Predicate
	Order   []Order
	Limit   int
}

// sqlBuilder はプレースホルダ番号を管理しながらSQLを組み立てる。
type sqlBuilder struct {
	args []any
}

func (b *sqlBuilder) arg(v any) string {
	b.args = append(b.args, normalizeArg(v))
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *sqlBuilder) predicate(p Predicate) string {
	col := pq.QuoteIdentifier(p.Column)
	if p.In != nil {
		return fmt.Sprintf("%s IN (SELECT %s FROM %s WHERE %s = %s)",
			col,
			pq.QuoteIdentifier(p.In.Column),
			pq.QuoteIdentifier(p.In.Table),
			pq.QuoteIdentifier(p.In.Where),
			b.arg(p.Value),
		)
	}
	if p.Value == nil {
		return col + " IS NULL"
	}
	return fmt.Sprintf("%s = %s", col, b.arg(p.Value))
}

func (b *sqlBuilder) where(q Query) string {
	var parts []string
	for _, f := range q.Filters {
		parts = append(parts, b.predicate(f))
	}
	if len(q.Scope) > 0 {
		var alts []string
		for _, group := range q.Scope {
			var conds []string
			for _, p := range group {
				conds = append(conds, b.predicate(p))
			}
			if len(conds) == 0 {
				conds = append(conds, "TRUE")
			}
			alts = append(alts, "("+strings.Join(conds, " AND ")+")")
		}
		parts = append(parts, "("+strings.Join(alts, " OR ")+")")
	}
	if len(parts) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(parts, " AND ")
}

func buildSelect(table string, q Query) (string, []any) {
	b := &sqlBuilder{}
	var sb strings.Builder
	sb.WriteString("SELECT * FROM ")
	sb.WriteString(pq.QuoteIdentifier(table))
	sb.WriteString(b.where(q))
	if len(q.Order) > 0 {
		var orders []string
		for _, o := range q.Order {
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			orders = append(orders, pq.QuoteIdentifier(o.Column)+" "+dir)
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(orders, ", "))
	}
	if q.Limit > 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", q.Limit))
	}
	return sb.String(), b.args
}

// columnsOf は全行に現れるカラム名をソートして返す。
func columnsOf(rows []Row) []string {
	seen := make(map[string]struct{})
	for _, r := range rows {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func buildInsert(table string, rows []Row, conflict []string) (string, []any, error) {
	if len(rows) == 0 {
		return "", nil, errors.New("no rows to insert")
	}
	cols := columnsOf(rows)
	if len(cols) == 0 {
		return "", nil, errors.New("no columns to insert")
	}

	b := &sqlBuilder{}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pq.QuoteIdentifier(c)
	}

	var values []string
	for _, r := range rows {
		vals := make([]string, len(cols))
		for i, c := range cols {
			v, ok := r[c]
			if !ok {
				vals[i] = "DEFAULT"
				continue
			}
			vals[i] = b.arg(v)
		}
		values = append(values, "("+strings.Join(vals, ", ")+")")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES %s",
		pq.QuoteIdentifier(table), strings.Join(quoted, ", "), strings.Join(values, ", "))

	if len(conflict) > 0 {
		target := make([]string, len(conflict))
		isTarget := make(map[string]bool, len(conflict))
		for i, c := range conflict {
			target[i] = pq.QuoteIdentifier(c)
			isTarget[c] = true
		}
		var sets []string
		for _, c := range cols {
			if isTarget[c] {
				continue
			}
			q := pq.QuoteIdentifier(c)
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", q, q))
		}
		// RETURNINGで既存行を返すため、更新対象がなくてもDO UPDATEにする
		if len(sets) == 0 {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", target[0], target[0]))
		}
		fmt.Fprintf(&sb, " ON CONFLICT (%s) DO UPDATE SET %s",
			strings.Join(target, ", "), strings.Join(sets, ", "))
	}

	sb.WriteString(" RETURNING *")
	return sb.String(), b.args, nil
}

func buildUpdate(table string, q Query, values Row) (string, []any, error) {
	if len(values) == 0 {
		return "", nil, errors.New("no columns to update")
	}
	b := &sqlBuilder{}
	cols := columnsOf([]Row{values})
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = %s", pq.QuoteIdentifier(c), b.arg(values[c]))
	}
	query := fmt.Sprintf("UPDATE %s SET %s%s RETURNING *",
		pq.QuoteIdentifier(table), strings.Join(sets, ", "), b.where(q))
	return query, b.args, nil
}

func buildDelete(table string, q Query) (string, []any) {
	b := &sqlBuilder{}
	query := fmt.Sprintf("DELETE FROM %s%s RETURNING *", pq.QuoteIdentifier(table), b.where(q))
	return query, b.args
}

// normalizeArg はJSONデコード由来の値をドライバが受け付ける形に変換する。
// オブジェクト・配列はJSONB列向けにJSON文字列にする。
func normalizeArg(v any) any {
	switch x := v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return nil
		}
		return string(b)
	case json.RawMessage:
		return string(x)
	case float64:
		if x == float64(int64(x)) {
			return int64(x)
		}
		return x
	default:
		return v
	}
}
