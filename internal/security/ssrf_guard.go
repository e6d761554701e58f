package security

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// ErrBlockedURL は取り込み先URLが内部ネットワーク等を指していることを表す。
var ErrBlockedURL = errors.New("blocked url")

// URLGuard は写真取り込みなど、利用者が指定したURLへの外向き通信を保護する。
type URLGuard interface {
	// Client はDNS解決後のIPも検証するHTTPクライアントを返す。
	Client(timeout time.Duration) *http.Client
	// Check はDNS解決を伴わない事前検証を行う。拒否時はErrBlockedURLをラップして返す。
	Check(rawURL string) error
}

var blockedPrefixes = mustPrefixes(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16", // クラウドメタデータ
	"172.16.0.0/12",
	"192.168.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, netip.MustParsePrefix(c))
	}
	return out
}

type urlGuard struct {
	schemes []string
	ports   []int
}

// NewURLGuard はhttp/httpsの80/443番だけを許可するURLGuardを生成する。
func NewURLGuard() URLGuard {
	return &urlGuard{schemes: []string{"http", "https"}, ports: []int{80, 443}}
}

// Client はsafeurlでラップしたクライアントを返す。
func (g *urlGuard) Client(timeout time.Duration) *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(g.schemes...).
		SetAllowedPorts(g.ports...).
		Build()
	return safeurl.Client(cfg).Client
}

// Check はスキーム・ホスト・IPリテラルを静的に検証する。
func (g *urlGuard) Check(rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: malformed url", ErrBlockedURL)
	}

	scheme := strings.ToLower(u.Scheme)
	allowed := false
	for _, s := range g.schemes {
		if s == scheme {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: scheme %q", ErrBlockedURL, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("%w: host %s", ErrBlockedURL, host)
	}

	if ip := net.ParseIP(host); ip != nil {
		addr, _ := netip.AddrFromSlice(ip)
		addr = addr.Unmap()
		for _, p := range blockedPrefixes {
			if p.Contains(addr) {
				return fmt.Errorf("%w: address %s", ErrBlockedURL, addr)
			}
		}
	}
	return nil
}
