// Package policy は汎用テーブル操作に対する行レベルポリシーを提供する。
// 呼び出し元の主体とロールから、可視範囲（Scope）と書き込み可否を決める。
package policy

import (
	"context"
	"fmt"

	"github.com/hitoshi/japinait/internal/model"
	"github.com/hitoshi/japinait/internal/repository"
)

// Operation はテーブル操作の種類。
type Operation string

const (
	OpSelect Operation = "select"
	OpInsert Operation = "insert"
	OpUpsert Operation = "upsert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// OwnershipChecker は会場の所有者判定。
type OwnershipChecker interface {
	IsOwner(ctx context.Context, venueID, userID string) (bool, error)
}

// Request はポリシー判定の入力。
// Insert/Upsert では Rows、Update では Values を判定し、必要に応じて書き換える。
type Request struct {
	Principal *model.Principal // 未認証の場合はnil
	Table     string
	Op        Operation
	Rows      []repository.Row
	Values    repository.Row
}

// rule はテーブルごとの判定関数。Scope を返すか、拒否エラーを返す。
type rule func(ctx context.Context, e *Engine, req *Request) ([][]repository.Predicate, error)

// Engine はテーブル名からルールを引いて判定する。
type Engine struct {
	owners OwnershipChecker
	rules  map[string]rule
}

// NewEngine はEngineを生成する。
func NewEngine(owners OwnershipChecker) *Engine {
	return &Engine{
		owners: owners,
		rules: map[string]rule{
			"profiles":     profilesRule,
			"venues":       venuesRule,
			"venue_types":  readOnlyRule,
			"venue_photos": venueChildRule,
			"events":       venueChildRule,
			"favorites":    ownRowsRule,
			"reviews":      reviewsRule,
		},
	}
}

// Authorize はリクエストを判定し、クエリに付与する可視範囲を返す。
// 拒否の場合は NOT_PERMITTED（未認証なら UNAUTHORIZED）を返す。
// Scope が nil の場合は全行が対象になる。
func (e *Engine) Authorize(ctx context.Context, req *Request) ([][]repository.Predicate, error) {
	r, ok := e.rules[req.Table]
	if !ok {
		return nil, model.NewNotPermittedError()
	}
	return r(ctx, e, req)
}

// Covers はテーブルにポリシーが定義されているかを返す。
func (e *Engine) Covers(table string) bool {
	_, ok := e.rules[table]
	return ok
}

// --- rules ---

func readOnlyRule(_ context.Context, _ *Engine, req *Request) ([][]repository.Predicate, error) {
	if req.Op == OpSelect {
		return nil, nil
	}
	return nil, model.NewNotPermittedError()
}

// ownRowsRule は user_id が呼び出し元の行だけを扱えるテーブル（favorites）。
func ownRowsRule(_ context.Context, _ *Engine, req *Request) ([][]repository.Predicate, error) {
	p, err := requirePrincipal(req)
	if err != nil {
		return nil, err
	}
	switch req.Op {
	case OpInsert, OpUpsert:
		if err := forceColumn(req.Rows, "user_id", p.UserID); err != nil {
			return nil, err
		}
		return nil, nil
	case OpUpdate:
		if err := requireUnchanged(req.Values, "user_id", p.UserID); err != nil {
			return nil, err
		}
	}
	return ownScope("user_id", p.UserID), nil
}

// reviewsRule は参照を公開し、変更は favorites と同じく自分の行だけに限る。
func reviewsRule(ctx context.Context, e *Engine, req *Request) ([][]repository.Predicate, error) {
	if req.Op == OpSelect {
		return nil, nil
	}
	return ownRowsRule(ctx, e, req)
}

func profilesRule(_ context.Context, _ *Engine, req *Request) ([][]repository.Predicate, error) {
	p, err := requirePrincipal(req)
	if err != nil {
		return nil, err
	}
	switch req.Op {
	case OpSelect:
		return nil, nil
	case OpInsert, OpUpsert:
		if err := forceColumn(req.Rows, "id", p.UserID); err != nil {
			return nil, err
		}
		for _, row := range req.Rows {
			if err := requireRole(row, p); err != nil {
				return nil, err
			}
		}
		return nil, nil
	case OpUpdate:
		if err := requireUnchanged(req.Values, "id", p.UserID); err != nil {
			return nil, err
		}
		if err := requireUnchanged(req.Values, "role", string(p.Role)); err != nil {
			return nil, err
		}
		return ownScope("id", p.UserID), nil
	}
	return nil, model.NewNotPermittedError()
}

// venueProtected はテーブルAPIから書き込めない会場カラム。
var venueProtected = []string{"average_rating", "total_reviews", "total_favorites", "view_count"}

func venuesRule(_ context.Context, _ *Engine, req *Request) ([][]repository.Predicate, error) {
	if req.Op == OpSelect {
		scope := [][]repository.Predicate{{repository.Eq("status", string(model.VenueStatusApproved))}}
		if req.Principal != nil {
			scope = append(scope, ownScope("owner_id", req.Principal.UserID)...)
		}
		return scope, nil
	}

	p, err := requirePrincipal(req)
	if err != nil {
		return nil, err
	}
	switch req.Op {
	case OpInsert:
		if !p.Role.IsAdmin() {
			return nil, model.NewNotPermittedError()
		}
		if err := forceColumn(req.Rows, "owner_id", p.UserID); err != nil {
			return nil, err
		}
		if err := forceColumn(req.Rows, "status", string(model.VenueStatusPending)); err != nil {
			return nil, err
		}
		for _, row := range req.Rows {
			if hasAny(row, venueProtected) {
				return nil, model.NewNotPermittedError()
			}
		}
		return nil, nil
	case OpUpdate:
		if hasAny(req.Values, venueProtected) || hasAny(req.Values, []string{"status"}) {
			return nil, model.NewNotPermittedError()
		}
		if err := requireUnchanged(req.Values, "owner_id", p.UserID); err != nil {
			return nil, err
		}
		return ownScope("owner_id", p.UserID), nil
	case OpDelete:
		return ownScope("owner_id", p.UserID), nil
	}
	return nil, model.NewNotPermittedError()
}

// venueChildRule は会場に従属するテーブル（venue_photos, events）。
// 参照は公開、変更は会場オーナーのみ。
func venueChildRule(ctx context.Context, e *Engine, req *Request) ([][]repository.Predicate, error) {
	if req.Op == OpSelect {
		return nil, nil
	}
	p, err := requirePrincipal(req)
	if err != nil {
		return nil, err
	}
	switch req.Op {
	case OpInsert:
		for _, row := range req.Rows {
			if err := e.requireOwner(ctx, row["venue_id"], p.UserID); err != nil {
				return nil, err
			}
		}
		return nil, nil
	case OpUpdate:
		if v, ok := req.Values["venue_id"]; ok {
			if err := e.requireOwner(ctx, v, p.UserID); err != nil {
				return nil, err
			}
		}
		return ownedVenueScope(p.UserID), nil
	case OpDelete:
		return ownedVenueScope(p.UserID), nil
	}
	return nil, model.NewNotPermittedError()
}

// --- helpers ---

func requirePrincipal(req *Request) (*model.Principal, error) {
	if req.Principal == nil || req.Principal.UserID == "" {
		return nil, model.NewUnauthorizedError()
	}
	return req.Principal, nil
}

func (e *Engine) requireOwner(ctx context.Context, venueID any, userID string) error {
	id, ok := venueID.(string)
	if !ok || id == "" {
		return model.NewNotPermittedError()
	}
	owner, err := e.owners.IsOwner(ctx, id, userID)
	if err != nil {
		return fmt.Errorf("failed to check venue owner: %w", err)
	}
	if !owner {
		return model.NewNotPermittedError()
	}
	return nil
}

// requireRole はプロフィール行のロールが主体の現在のロールと一致することを要求する。
// プロフィール未作成の主体はサインアップ時に選んだロールも指定できる。
func requireRole(row repository.Row, p *model.Principal) error {
	if p.PendingRole != "" {
		if v, ok := row["role"].(string); ok && v == string(p.PendingRole) {
			return nil
		}
	}
	return requireUnchanged(row, "role", string(p.Role))
}

// forceColumn は各行のcolumnをvalueにする。異なる値が指定されていれば拒否する。
func forceColumn(rows []repository.Row, column, value string) error {
	for _, row := range rows {
		if err := requireUnchanged(row, column, value); err != nil {
			return err
		}
		row[column] = value
	}
	return nil
}

// requireUnchanged はcolumnが指定されている場合、valueと一致することを要求する。
func requireUnchanged(row repository.Row, column, value string) error {
	v, ok := row[column]
	if !ok {
		return nil
	}
	if s, isString := v.(string); !isString || s != value {
		return model.NewNotPermittedError()
	}
	return nil
}

func hasAny(row repository.Row, columns []string) bool {
	for _, c := range columns {
		if _, ok := row[c]; ok {
			return true
		}
	}
	return false
}

func ownScope(column, userID string) [][]repository.Predicate {
	return [][]repository.Predicate{{repository.Eq(column, userID)}}
}

func ownedVenueScope(userID string) [][]repository.Predicate {
	return [][]repository.Predicate{{{
		Column: "venue_id",
		Value:  userID,
		In:     &repository.SubSelect{Table: "venues", Column: "id", Where: "owner_id"},
	}}}
}
