package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/japinait/internal/middleware"
	"github.com/hitoshi/japinait/internal/model"
	"github.com/hitoshi/japinait/internal/repository"
	"github.com/hitoshi/japinait/internal/table"
)

// TableServiceInterface は汎用テーブルハンドラーが必要とするサービスインターフェース。
type TableServiceInterface interface {
	Select(ctx context.Context, p *model.Principal, tableName string, q table.Query) ([]repository.Row, error)
	Insert(ctx context.Context, p *model.Principal, tableName string, rows []repository.Row) ([]repository.Row, error)
	Upsert(ctx context.Context, p *model.Principal, tableName string, rows []repository.Row, onConflict []string) ([]repository.Row, error)
	Update(ctx context.Context, p *model.Principal, tableName string, q table.Query, values repository.Row) ([]repository.Row, error)
	Delete(ctx context.Context, p *model.Principal, tableName string, q table.Query) ([]repository.Row, error)
}

// 予約済みクエリパラメータ。それ以外はカラムの絞り込みとして扱う。
var reservedParams = map[string]bool{
	"order":       true,
	"limit":       true,
	"on_conflict": true,
	"select":      true,
}

// TableHandler は /rest/v1/{table} の汎用CRUDハンドラー。
type TableHandler struct {
	service TableServiceInterface
}

// NewTableHandler はTableHandlerを生成する。
func NewTableHandler(service TableServiceInterface) *TableHandler {
	return &TableHandler{service: service}
}

// Select は条件に一致する可視行を返す。
// GET /rest/v1/{table}?col=eq.value&order=col.desc&limit=n
func (h *TableHandler) Select(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r.URL.Query())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	rows, err := h.service.Select(r.Context(), middleware.OptionalPrincipal(r.Context()), chi.URLParam(r, "table"), q)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rows)
}

// Insert は行を追加する。Prefer: resolution=merge-duplicates の場合はUpsertになる。
// POST /rest/v1/{table}
func (h *TableHandler) Insert(w http.ResponseWriter, r *http.Request) {
	rows, err := decodeRows(r.Body)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	ctx := r.Context()
	p := middleware.OptionalPrincipal(ctx)
	tableName := chi.URLParam(r, "table")
	prefer := parsePrefer(r.Header.Values("Prefer"))

	var out []repository.Row
	if prefer["resolution"] == "merge-duplicates" {
		out, err = h.service.Upsert(ctx, p, tableName, rows, splitList(r.URL.Query().Get("on_conflict")))
	} else {
		out, err = h.service.Insert(ctx, p, tableName, rows)
	}
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeRows(w, http.StatusCreated, prefer, out)
}

// Update は条件に一致する行を更新する。絞り込み条件は必須。
// PATCH /rest/v1/{table}?col=eq.value
func (h *TableHandler) Update(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r.URL.Query())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	var values repository.Row
	if !decodeJSON(w, r, &values) {
		return
	}

	out, err := h.service.Update(r.Context(), middleware.OptionalPrincipal(r.Context()), chi.URLParam(r, "table"), q, values)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeRows(w, http.StatusOK, parsePrefer(r.Header.Values("Prefer")), out)
}

// Delete は条件に一致する行を削除する。絞り込み条件は必須。
// DELETE /rest/v1/{table}?col=eq.value
func (h *TableHandler) Delete(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r.URL.Query())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	out, err := h.service.Delete(r.Context(), middleware.OptionalPrincipal(r.Context()), chi.URLParam(r, "table"), q)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeRows(w, http.StatusOK, parsePrefer(r.Header.Values("Prefer")), out)
}

// writeRows は Prefer: return=minimal なら本文なしで応答する。
func writeRows(w http.ResponseWriter, statusCode int, prefer map[string]string, rows []repository.Row) {
	if prefer["return"] == "minimal" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, statusCode, rows)
}

// parseQuery はクエリパラメータを絞り込み・並び順・件数に変換する。
// 絞り込みは col=eq.value と col=is.null のみ受け付ける。
func parseQuery(values url.Values) (table.Query, error) {
	var q table.Query
	for key, vals := range values {
		if reservedParams[key] {
			continue
		}
		for _, v := range vals {
			switch {
			case strings.HasPrefix(v, "eq."):
				q.Filters = append(q.Filters, repository.Eq(key, strings.TrimPrefix(v, "eq.")))
			case v == "is.null":
				q.Filters = append(q.Filters, repository.Eq(key, nil))
			default:
				return q, model.NewInvalidRequestError(fmt.Sprintf("unsupported filter on %s: only eq. and is.null are allowed", key))
			}
		}
	}

	for _, part := range splitList(values.Get("order")) {
		col, dir, _ := strings.Cut(part, ".")
		switch dir {
		case "", "asc":
			q.Order = append(q.Order, repository.Order{Column: col})
		case "desc":
			q.Order = append(q.Order, repository.Order{Column: col, Desc: true})
		default:
			return q, model.NewInvalidRequestError(fmt.Sprintf("invalid order direction %q", dir))
		}
	}

	if l := values.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			return q, model.NewInvalidRequestError("limit must be a non-negative integer")
		}
		q.Limit = n
	}
	return q, nil
}

// decodeRows はJSONオブジェクトまたはオブジェクトの配列を行の一覧にする。
func decodeRows(body io.Reader) ([]repository.Row, error) {
	raw, err := io.ReadAll(io.LimitReader(body, maxBodyBytes))
	if err != nil {
		return nil, model.NewInvalidRequestError("failed to read request body")
	}
	raw = bytes.TrimSpace(raw)

	if len(raw) > 0 && raw[0] == '[' {
		var rows []repository.Row
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, model.NewInvalidRequestError("request body must be a JSON object or array of objects")
		}
		return rows, nil
	}

	var row repository.Row
	if err := json.Unmarshal(raw, &row); err != nil || row == nil {
		return nil, model.NewInvalidRequestError("request body must be a JSON object or array of objects")
	}
	return []repository.Row{row}, nil
}

// parsePrefer は Prefer ヘッダーの key=value を取り出す。
func parsePrefer(headers []string) map[string]string {
	prefs := make(map[string]string)
	for _, h := range headers {
		for _, part := range strings.Split(h, ",") {
			k, v, _ := strings.Cut(strings.TrimSpace(part), "=")
			if k != "" {
				prefs[strings.ToLower(k)] = strings.TrimSpace(v)
			}
		}
	}
	return prefs
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
