package platform

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"shellcache/internal/worker"
)

const headerSource = "X-Shellcache"

// Handler serves the origin through its workers: requests inside an active
// registration's scope go through the worker's fetch policy, everything else
// is proxied. Every response names its source in X-Shellcache.
func (c *Container) Handler() http.Handler {
	return http.HandlerFunc(c.handle)
}

func (c *Container) handle(w http.ResponseWriter, r *http.Request) {
	req, err := c.originRequest(r)
	if err != nil {
		c.badGateway(w, r, err)
		return
	}

	var sw *ServiceWorker
	if reg, ok := c.GetRegistration(r.URL.Path); ok {
		sw = reg.Active()
	}
	if sw == nil {
		c.proxyPass(w, req, "no-worker")
		return
	}

	resp, source, err := sw.fetch(r.Context(), req)
	if err != nil {
		c.badGateway(w, r, err)
		return
	}
	c.writeResponse(w, resp, string(source))
}

// originRequest rebuilds r against the origin. The incoming Host header is
// dropped so the origin sees its own host.
func (c *Container) originRequest(r *http.Request) (*http.Request, error) {
	u := *c.origin
	ref := *r.URL
	ref.Scheme, ref.Host = "", ""
	target := u.ResolveReference(&ref)

	var body io.Reader
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")
	req.ContentLength = r.ContentLength
	return req, nil
}

func (c *Container) proxyPass(w http.ResponseWriter, req *http.Request, source string) {
	resp, err := c.network.Do(req)
	if err != nil {
		c.badGateway(w, req, err)
		return
	}
	c.writeResponse(w, resp, source)
}

func (c *Container) writeResponse(w http.ResponseWriter, resp *http.Response, source string) {
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		if strings.EqualFold(k, headerSource) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSourceHeaders(w.Header(), source)
	w.WriteHeader(resp.StatusCode)
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		c.log.Debug("response write aborted", zap.String("source", source), zap.Error(err))
	}
	c.stats.Observe(source, n)
}

func (c *Container) badGateway(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, worker.ErrNetwork) {
		c.log.Debug("nothing to serve", zap.String("url", r.URL.String()), zap.Error(err))
	} else {
		c.log.Warn("proxy request failed", zap.String("url", r.URL.String()), zap.Error(err))
	}
	setSourceHeaders(w.Header(), "bad-gateway")
	http.Error(w, "bad gateway", http.StatusBadGateway)
	c.stats.Observe("bad-gateway", 0)
}

func setSourceHeaders(h http.Header, source string) {
	if source != "" {
		h.Set(headerSource, source)
	}
	// custom headers are hidden from scripts in a CORS context unless exposed
	ensureExposedHeader(h, headerSource)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || strings.EqualFold(k, headerSource) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
