package guard

import "strings"

// Access はルートの公開範囲。
type Access int

const (
	// AccessPublic は誰でも表示できる。
	AccessPublic Access = iota
	// AccessProtected はサインイン済みなら表示できる。
	AccessProtected
	// AccessAdmin は venue_admin のみ表示できる。
	AccessAdmin
)

// Route はパスパターンと公開範囲の組。":name" のセグメントは任意の値に一致する。
type Route struct {
	Pattern string
	Access  Access
}

// LoginPath はサインイン画面のパス。
const LoginPath = "/login"

// Routes はアプリケーションのルート定義。
var Routes = []Route{
	{"/", AccessPublic},
	{LoginPath, AccessPublic},
	{"/register", AccessPublic},
	{"/reset-password", AccessPublic},
	{"/update-password", AccessPublic},
	{"/home", AccessPublic},
	{"/map", AccessPublic},
	{"/venue/:id", AccessPublic},
	{"/events", AccessPublic},
	{"/favorites", AccessProtected},
	{"/register-venue", AccessAdmin},
	{"/dashboard", AccessAdmin},
	{"/admin", AccessAdmin},
	{"/stats", AccessAdmin},
}

// NavEntry はナビゲーションの1項目。
type NavEntry struct {
	Label string
	Path  string
}

var (
	adminNav = []NavEntry{
		{"Register venue", "/register-venue"},
		{"Dashboard", "/dashboard"},
		{"Stats", "/stats"},
	}
	userNav = []NavEntry{
		{"Home", "/home"},
		{"Map", "/map"},
		{"Events", "/events"},
		{"Favorites", "/favorites"},
	}
	anonymousNav = []NavEntry{
		{"Sign in", LoginPath},
		{"Sign up", "/register"},
	}
)

// Navigation は状態ごとのナビゲーション項目を返す。ロールごとの集合は互いに重ならない。
// Unknown では何も表示しない。
func Navigation(s State) []NavEntry {
	var entries []NavEntry
	switch s {
	case StateAuthenticatedAdmin:
		entries = adminNav
	case StateAuthenticatedUser:
		entries = userNav
	case StateAnonymous:
		entries = anonymousNav
	}
	return append([]NavEntry(nil), entries...)
}

// lookup はパスに一致するルートを返す。クエリとフラグメントは無視する。
func lookup(path string) (Route, bool) {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if path != "/" {
		path = strings.TrimRight(path, "/")
	}
	for _, r := range Routes {
		if match(r.Pattern, path) {
			return r, true
		}
	}
	return Route{}, false
}

func match(pattern, path string) bool {
	ps := strings.Split(pattern, "/")
	xs := strings.Split(path, "/")
	if len(ps) != len(xs) {
		return false
	}
	for i := range ps {
		if strings.HasPrefix(ps[i], ":") {
			if xs[i] == "" {
				return false
			}
			continue
		}
		if ps[i] != xs[i] {
			return false
		}
	}
	return true
}
