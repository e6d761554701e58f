package table

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hitoshi/japinait/internal/metrics"
	"github.com/hitoshi/japinait/internal/model"
	"github.com/hitoshi/japinait/internal/policy"
	"github.com/hitoshi/japinait/internal/repository"
	"github.com/hitoshi/japinait/internal/security"
)

// MaxLimit は1回のSelectで返す最大行数。
const MaxLimit = 1000

// Query はハンドラから渡される絞り込み条件。等値フィルタのみ。
type Query struct {
	Filters []repository.Predicate
	Order   []repository.Order
	Limit   int
}

// Service は許可リスト検証・ポリシー適用・無害化を行い、TableStoreへ委譲する。
type Service struct {
	store     repository.TableStore
	policy    *policy.Engine
	sanitizer security.TextSanitizer
	metrics   metrics.MetricsCollector
	defs      map[string]*Definition
	now       func() time.Time
}

// NewService はServiceを生成する。metricsはnilでもよい。
func NewService(
	store repository.TableStore,
	engine *policy.Engine,
	sanitizer security.TextSanitizer,
	mc metrics.MetricsCollector,
	defs []*Definition,
) *Service {
	m := make(map[string]*Definition, len(defs))
	for _, d := range defs {
		if !engine.Covers(d.Name) {
			// ポリシーのないテーブルは公開しない
			slog.Warn("table without policy is not exposed", slog.String("table", d.Name))
			continue
		}
		m[d.Name] = d
	}
	return &Service{
		store:     store,
		policy:    engine,
		sanitizer: sanitizer,
		metrics:   mc,
		defs:      m,
		now:       time.Now,
	}
}

// Tables は公開テーブル名をソートして返す。
func (s *Service) Tables() []string {
	names := make([]string, 0, len(s.defs))
	for n := range s.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Select は可視範囲内で条件に一致する行を返す。
func (s *Service) Select(ctx context.Context, p *model.Principal, table string, q Query) ([]repository.Row, error) {
	def, err := s.lookup(table)
	if err != nil {
		return nil, err
	}
	if err := checkQuery(def, q); err != nil {
		return nil, err
	}

	scope, err := s.authorize(ctx, &policy.Request{Principal: p, Table: table, Op: policy.OpSelect})
	if err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 || limit > MaxLimit {
		limit = MaxLimit
	}
	rq := repository.Query{Filters: q.Filters, Scope: scope, Order: q.Order, Limit: limit}

	start := s.now()
	rows, err := s.store.Select(ctx, table, rq)
	s.observe(table, policy.OpSelect, start)
	if err != nil {
		return nil, translateStoreError(table, err)
	}
	return rows, nil
}

// Insert は行を追加し、追加された行を返す。
func (s *Service) Insert(ctx context.Context, p *model.Principal, table string, rows []repository.Row) ([]repository.Row, error) {
	def, err := s.lookup(table)
	if err != nil {
		return nil, err
	}
	if err := s.prepareRows(def, rows); err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, &policy.Request{Principal: p, Table: table, Op: policy.OpInsert, Rows: rows}); err != nil {
		return nil, err
	}

	start := s.now()
	out, err := s.store.Insert(ctx, table, rows)
	s.observe(table, policy.OpInsert, start)
	if err != nil {
		return nil, translateStoreError(table, err)
	}
	return out, nil
}

// Upsert はテーブルの一意制約で行を追加または上書きする。
// onConflict が空の場合はテーブル既定の競合対象を使う。
func (s *Service) Upsert(ctx context.Context, p *model.Principal, table string, rows []repository.Row, onConflict []string) ([]repository.Row, error) {
	def, err := s.lookup(table)
	if err != nil {
		return nil, err
	}
	if def.Conflict == nil {
		return nil, model.NewInvalidRequestError(fmt.Sprintf("upsert is not supported on %s", table))
	}
	if len(onConflict) > 0 && !sameColumns(onConflict, def.Conflict) {
		return nil, model.NewInvalidRequestError("on_conflict must be " + strings.Join(def.Conflict, ","))
	}
	if err := s.prepareRows(def, rows); err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, &policy.Request{Principal: p, Table: table, Op: policy.OpUpsert, Rows: rows}); err != nil {
		return nil, err
	}
	if def.Touch {
		now := s.now().UTC()
		for _, r := range rows {
			r["updated_at"] = now
		}
	}

	start := s.now()
	out, err := s.store.Upsert(ctx, table, rows, def.Conflict)
	s.observe(table, policy.OpUpsert, start)
	if err != nil {
		return nil, translateStoreError(table, err)
	}
	return out, nil
}

// Update は可視範囲内で条件に一致する行を更新する。
// 1行も更新されなかった場合は NOT_PERMITTED を返す。
func (s *Service) Update(ctx context.Context, p *model.Principal, table string, q Query, values repository.Row) ([]repository.Row, error) {
	def, err := s.lookup(table)
	if err != nil {
		return nil, err
	}
	if len(q.Filters) == 0 {
		return nil, model.NewInvalidRequestError("update requires at least one filter")
	}
	if err := checkQuery(def, q); err != nil {
		return nil, err
	}
	if err := s.prepareRows(def, []repository.Row{values}); err != nil {
		return nil, err
	}
	scope, err := s.authorize(ctx, &policy.Request{Principal: p, Table: table, Op: policy.OpUpdate, Values: values})
	if err != nil {
		return nil, err
	}
	if def.Touch {
		values["updated_at"] = s.now().UTC()
	}

	start := s.now()
	out, err := s.store.Update(ctx, table, repository.Query{Filters: q.Filters, Scope: scope}, values)
	s.observe(table, policy.OpUpdate, start)
	if err != nil {
		return nil, translateStoreError(table, err)
	}
	if len(out) == 0 {
		s.deny(table, policy.OpUpdate)
		return nil, model.NewNotPermittedError()
	}
	return out, nil
}

// Delete は可視範囲内で条件に一致する行を削除する。
// 1行も削除されなかった場合は NOT_PERMITTED を返す。
func (s *Service) Delete(ctx context.Context, p *model.Principal, table string, q Query) ([]repository.Row, error) {
	def, err := s.lookup(table)
	if err != nil {
		return nil, err
	}
	if len(q.Filters) == 0 {
		return nil, model.NewInvalidRequestError("delete requires at least one filter")
	}
	if err := checkQuery(def, q); err != nil {
		return nil, err
	}
	scope, err := s.authorize(ctx, &policy.Request{Principal: p, Table: table, Op: policy.OpDelete})
	if err != nil {
		return nil, err
	}

	start := s.now()
	out, err := s.store.Delete(ctx, table, repository.Query{Filters: q.Filters, Scope: scope})
	s.observe(table, policy.OpDelete, start)
	if err != nil {
		return nil, translateStoreError(table, err)
	}
	if len(out) == 0 {
		s.deny(table, policy.OpDelete)
		return nil, model.NewNotPermittedError()
	}
	return out, nil
}

func (s *Service) lookup(table string) (*Definition, error) {
	def, ok := s.defs[table]
	if !ok {
		return nil, model.NewInvalidRequestError(fmt.Sprintf("unknown table: %s", table))
	}
	return def, nil
}

// prepareRows はカラムを検証し、自由記述を無害化する。
func (s *Service) prepareRows(def *Definition, rows []repository.Row) error {
	if len(rows) == 0 {
		return model.NewInvalidRequestError("no rows")
	}
	for _, row := range rows {
		if len(row) == 0 {
			return model.NewInvalidRequestError("empty row")
		}
		for col := range row {
			if !def.HasColumn(col) {
				return model.NewInvalidRequestError(fmt.Sprintf("unknown column: %s.%s", def.Name, col))
			}
		}
		for _, col := range def.Text {
			if v, ok := row[col].(string); ok {
				row[col] = s.sanitizer.Sanitize(v)
			}
		}
		if def.Validate != nil {
			if err := def.Validate(row); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) authorize(ctx context.Context, req *policy.Request) ([][]repository.Predicate, error) {
	scope, err := s.policy.Authorize(ctx, req)
	if err != nil {
		if _, ok := model.AsAPIError(err); ok {
			s.deny(req.Table, req.Op)
		}
		return nil, err
	}
	return scope, nil
}

func (s *Service) deny(table string, op policy.Operation) {
	slog.Debug("table operation denied", slog.String("table", table), slog.String("op", string(op)))
	if s.metrics != nil {
		s.metrics.RecordPolicyDenial(table, string(op))
	}
}

func (s *Service) observe(table string, op policy.Operation, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordTableOperation(table, string(op), s.now().Sub(start))
	}
}

func checkQuery(def *Definition, q Query) error {
	for _, f := range q.Filters {
		if !def.HasColumn(f.Column) || f.In != nil {
			return model.NewInvalidRequestError(fmt.Sprintf("unknown column: %s.%s", def.Name, f.Column))
		}
	}
	for _, o := range q.Order {
		if !def.HasColumn(o.Column) {
			return model.NewInvalidRequestError(fmt.Sprintf("unknown column: %s.%s", def.Name, o.Column))
		}
	}
	return nil
}

func translateStoreError(table string, err error) error {
	switch {
	case errors.Is(err, repository.ErrDuplicate):
		return model.NewDuplicateError(table)
	case errors.Is(err, repository.ErrInvalidValue):
		return model.NewInvalidRequestError(err.Error())
	}
	return fmt.Errorf("table %s: %w", table, err)
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
