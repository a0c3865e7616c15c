package metrics

import (
	"io"
	"net/http"
	"time"
)

type countingBody struct {
	io.ReadCloser
	n       int64
	onClose func(n int64)
}

func (c *countingBody) Read(p []byte) (int, error) {
	i, err := c.ReadCloser.Read(p)
	c.n += int64(i)
	return i, err
}

func (c *countingBody) Close() error {
	err := c.ReadCloser.Close()
	if c.onClose != nil {
		c.onClose(c.n)
		c.onClose = nil
	}
	return err
}

// Transport reports one RequestEvent per round trip, emitted once the
// response body is closed so byte counts are final.
type Transport struct {
	Base http.RoundTripper
	Agg  *Aggregator
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Agg == nil {
		return base.RoundTrip(req)
	}
	start := time.Now()
	ev := RequestEvent{Host: req.URL.Hostname(), Method: req.Method, Path: req.URL.EscapedPath()}
	if ev.Path == "" {
		ev.Path = "/"
	}
	var sent *countingBody
	if req.Body != nil && req.Body != http.NoBody {
		sent = &countingBody{ReadCloser: req.Body}
		req.Body = sent
	}
	emit := func(code int, in int64) {
		ev.Ts = time.Now().UTC()
		ev.Code = code
		ev.Ms = time.Since(start).Milliseconds()
		ev.BytesIn = in
		if sent != nil {
			ev.BytesOut = sent.n
		}
		t.Agg.Add(ev)
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		emit(0, 0)
		return resp, err
	}
	code := resp.StatusCode
	resp.Body = &countingBody{ReadCloser: resp.Body, onClose: func(n int64) { emit(code, n) }}
	return resp, nil
}
