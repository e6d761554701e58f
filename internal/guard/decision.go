package guard

// DecisionKind はルート表示判定の種類。
type DecisionKind int

const (
	// Render はそのまま表示する。
	Render DecisionKind = iota
	// Loading は状態確定までプレースホルダを表示する。保護された内容もリダイレクトも出さない。
	Loading
	// Redirect はサインイン画面へ遷移する。
	Redirect
	// Forbidden はサインイン済みだがロールが足りない。
	Forbidden
	// NotFound は定義されていないルート。
	NotFound
)

func (k DecisionKind) String() string {
	switch k {
	case Render:
		return "render"
	case Loading:
		return "loading"
	case Redirect:
		return "redirect"
	case Forbidden:
		return "forbidden"
	default:
		return "not_found"
	}
}

// Decision はルートの表示判定。Redirect のとき From に元の要求パスを持つ。
// サインイン後に From へ戻すかは呼び出し側の任意。
type Decision struct {
	Kind DecisionKind
	To   string
	From string
}

// Decide はパスの表示判定を返す。
func (g *Guard) Decide(path string) Decision {
	g.mu.Lock()
	state, pending := g.state, g.pending
	g.mu.Unlock()
	return decide(path, state, pending)
}

func decide(path string, state State, pending bool) Decision {
	route, ok := lookup(path)
	if !ok {
		return Decision{Kind: NotFound}
	}
	if route.Access == AccessPublic {
		return Decision{Kind: Render}
	}

	switch {
	case state == StateUnknown || pending:
		return Decision{Kind: Loading}
	case state == StateAnonymous:
		return Decision{Kind: Redirect, To: LoginPath, From: path}
	case route.Access == AccessAdmin && state != StateAuthenticatedAdmin:
		return Decision{Kind: Forbidden}
	default:
		return Decision{Kind: Render}
	}
}

// Watch はパスの表示判定を今すぐ1回、以後は状態が変わるたびに fn へ渡す。
// 表示中の画面がサインアウトを検知してリダイレクトするのに使う。
func (g *Guard) Watch(path string, fn func(Decision)) (stop func()) {
	stop = g.OnChange(func(State) {
		fn(g.Decide(path))
	})
	fn(g.Decide(path))
	return stop
}
