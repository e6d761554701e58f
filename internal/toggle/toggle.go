// Package toggle はユーザーごとに高々1件の関連（お気に入りなど）を切り替える。
//
// 切り替えは必ずゲートウェイで現在の関連を確認してから行い、確認済みの関連IDがない限り削除しない。
// 重複の防止そのものはサーバー側の一意制約が担う。
package toggle

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrInFlight は同じ(user, target)の切り替えが処理中であることを表す。
var ErrInFlight = errors.New("toggle already in progress")

// RelationStore は関連の確認・作成・削除を行うストア。
type RelationStore interface {
	// Find は(user, target)の関連IDを返す。存在しない場合は found=false。
	Find(ctx context.Context, userID, targetID string) (relationID string, found bool, err error)
	// Create は関連を作成して新しいIDを返す。
	Create(ctx context.Context, userID, targetID string) (relationID string, err error)
	// Remove は確認済みの関連IDを削除する。
	Remove(ctx context.Context, relationID string) error
}

// State は関連のローカル状態。
type State struct {
	Active     bool
	RelationID string
}

type key struct {
	userID   string
	targetID string
}

// Toggle は関連の切り替えとローカル状態を管理する。
type Toggle struct {
	store RelationStore

	mu       sync.Mutex
	states   map[key]State
	inFlight map[key]struct{}
}

// New はToggleを生成する。
func New(store RelationStore) *Toggle {
	return &Toggle{
		store:    store,
		states:   make(map[key]State),
		inFlight: make(map[key]struct{}),
	}
}

// Cached はゲートウェイに問い合わせずにローカル状態を返す。
func (t *Toggle) Cached(userID, targetID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[key{userID, targetID}]
}

// Pending は切り替えが処理中かを返す。処理中は操作を無効にする。
func (t *Toggle) Pending(userID, targetID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.inFlight[key{userID, targetID}]
	return ok
}

// Refresh はゲートウェイの状態を読み直してローカル状態に反映する。
func (t *Toggle) Refresh(ctx context.Context, userID, targetID string) (State, error) {
	k := key{userID, targetID}
	if !t.begin(k) {
		return t.Cached(userID, targetID), ErrInFlight
	}
	defer t.end(k)

	id, found, err := t.store.Find(ctx, userID, targetID)
	if err != nil {
		return t.Cached(userID, targetID), fmt.Errorf("failed to check relation: %w", err)
	}
	return t.set(k, State{Active: found, RelationID: id}), nil
}

// Toggle は関連を切り替える。
// 1. 現在の関連を確認する
// 2. あれば確認したIDで削除し、なければ作成する
// ゲートウェイのエラー時はローカル状態を変えずにエラーを返す。呼び出し元は再試行してよい。
func (t *Toggle) Toggle(ctx context.Context, userID, targetID string) (State, error) {
	k := key{userID, targetID}
	if !t.begin(k) {
		return t.Cached(userID, targetID), ErrInFlight
	}
	defer t.end(k)

	// 1. 現在の関連を確認
	id, found, err := t.store.Find(ctx, userID, targetID)
	if err != nil {
		return t.Cached(userID, targetID), fmt.Errorf("failed to check relation: %w", err)
	}

	// 2a. あれば削除
	if found {
		if err := t.store.Remove(ctx, id); err != nil {
			return t.Cached(userID, targetID), fmt.Errorf("failed to remove relation: %w", err)
		}
		return t.set(k, State{}), nil
	}

	// 2b. なければ作成
	newID, err := t.store.Create(ctx, userID, targetID)
	if err != nil {
		return t.Cached(userID, targetID), fmt.Errorf("failed to create relation: %w", err)
	}
	return t.set(k, State{Active: true, RelationID: newID}), nil
}

func (t *Toggle) begin(k key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.inFlight[k]; ok {
		return false
	}
	t.inFlight[k] = struct{}{}
	return true
}

func (t *Toggle) end(k key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inFlight, k)
}

func (t *Toggle) set(k key, s State) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.Active {
		t.states[k] = s
	} else {
		delete(t.states, k)
	}
	return s
}
