package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http/httpproxy"
)

// ErrEgressUnchanged is returned when a subprocess environment asks for a proxy
// but traffic would still leave from the host's own address
var ErrEgressUnchanged = errors.New("proxy requested but egress address unchanged")

var proxyVars = []string{
	"HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY", "NO_PROXY",
	"http_proxy", "https_proxy", "all_proxy", "no_proxy",
}

// Env is the explicit environment for a media subprocess
type Env struct {
	Vars  []string
	Proxy *url.URL
}

// ProxyEnv builds a subprocess environment from the current process
// environment with every proxy variable replaced. A nil proxy strips them so the
// subprocess runs unproxied regardless of the host settings.
func ProxyEnv(proxyURL *url.URL) *Env {
	vars := make([]string, 0, len(os.Environ())+6)
	for _, kv := range os.Environ() {
		if isProxyVar(kv) {
			continue
		}
		vars = append(vars, kv)
	}

	if proxyURL != nil {
		p := proxyURL.String()
		vars = append(vars,
			"HTTP_PROXY="+p, "HTTPS_PROXY="+p, "ALL_PROXY="+p,
			"http_proxy="+p, "https_proxy="+p, "all_proxy="+p,
		)
	}

	return &Env{Vars: vars, Proxy: proxyURL}
}

// Lookup returns the value of a variable in the environment
func (e *Env) Lookup(key string) string {
	prefix := key + "="
	for i := len(e.Vars) - 1; i >= 0; i-- {
		if strings.HasPrefix(e.Vars[i], prefix) {
			return strings.TrimPrefix(e.Vars[i], prefix)
		}
	}
	return ""
}

// proxyConfig reads the proxy settings a subprocess would see from env
func (e *Env) proxyConfig() *httpproxy.Config {
	first := func(keys ...string) string {
		for _, k := range keys {
			if v := e.Lookup(k); v != "" {
				return v
			}
		}
		return ""
	}

	return &httpproxy.Config{
		HTTPProxy:  first("HTTP_PROXY", "http_proxy"),
		HTTPSProxy: first("HTTPS_PROXY", "https_proxy"),
		NoProxy:    first("NO_PROXY", "no_proxy"),
	}
}

func isProxyVar(kv string) bool {
	for _, name := range proxyVars {
		if strings.HasPrefix(kv, name+"=") {
			return true
		}
	}
	return false
}

type egressChecker struct {
	checkURL string
	client   func(proxy *url.URL) *http.Client

	mu       sync.Mutex
	directIP string
}

func newEgressChecker(checkURL string) *egressChecker {
	if checkURL == "" {
		checkURL = "https://api.ipify.org"
	}
	return &egressChecker{checkURL: checkURL, client: egressClient}
}

// verify resolves the proxy for the check URL from the exact variables the
// subprocess gets and compares the address seen through it with the direct one
func (c *egressChecker) verify(ctx context.Context, env *Env) error {
	target, err := url.Parse(c.checkURL)
	if err != nil {
		return fmt.Errorf("invalid egress check url: %w", err)
	}

	resolved, err := env.proxyConfig().ProxyFunc()(target)
	if err != nil {
		return fmt.Errorf("failed to resolve subprocess proxy: %w", err)
	}
	if resolved == nil {
		return fmt.Errorf("%w: environment does not route %s through %s", ErrEgressUnchanged, target.Host, redactURL(env.Proxy))
	}

	direct, err := c.direct(ctx)
	if err != nil {
		return err
	}

	proxied, err := c.fetchIP(ctx, resolved)
	if err != nil {
		return fmt.Errorf("egress check through proxy failed: %w", err)
	}

	if proxied == direct {
		return fmt.Errorf("%w: %s", ErrEgressUnchanged, proxied)
	}
	return nil
}

func (c *egressChecker) direct(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.directIP != "" {
		return c.directIP, nil
	}

	ip, err := c.fetchIP(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("direct egress check failed: %w", err)
	}
	c.directIP = ip
	return ip, nil
}

func (c *egressChecker) fetchIP(ctx context.Context, proxyURL *url.URL) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.checkURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.client(proxyURL).Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("egress check returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", err
	}

	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("egress check returned %q, not an address", ip)
	}
	return ip, nil
}

func egressClient(proxyURL *url.URL) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	if proxyURL != nil {
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &http.Client{Transport: transport, Timeout: 10 * time.Second}
}
