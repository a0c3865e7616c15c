package metrics

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestAggregatorCounts(t *testing.T) {
	agg := NewAggregator()
	agg.Add(RequestEvent{Host: "a.example", Method: http.MethodGet, Code: 200, BytesIn: 10, BytesOut: 3})
	agg.Add(RequestEvent{Host: "a.example", Method: http.MethodConnect, Code: 200, BytesIn: 5})
	agg.AddFake(FakeEvent{Host: "a.example"})
	agg.AddFake(FakeEvent{Host: "a.example", Cached: true})
	agg.AddFake(FakeEvent{Host: "b.example", Err: "boom"})

	s := agg.Snapshot()
	if s.TotalRequests != 2 || s.BytesIn != 15 || s.BytesOut != 3 {
		t.Errorf("request counters = %+v", s)
	}
	if s.Codes[200] != 2 || s.Hosts["a.example"].Req != 2 {
		t.Errorf("codes/hosts = %v %v", s.Codes, s.Hosts)
	}
	if s.Fakes != 1 || s.FakeCacheHits != 1 || s.FakeFailures != 1 || s.Tunnels != 1 {
		t.Errorf("fake counters = %+v", s)
	}
}

func TestSubscribeReplaysAndCancels(t *testing.T) {
	agg := NewAggregator()
	for i := 0; i < bufSize+10; i++ {
		agg.AddFake(FakeEvent{Host: "old.example"})
	}
	ch, cancel := agg.Subscribe()
	agg.Add(RequestEvent{Host: "new.example"})

	var last Event
	for i := 0; i < cap(ch)/2+1; i++ {
		select {
		case last = <-ch:
		case <-time.After(time.Second):
			t.Fatalf("only %d events received", i)
		}
	}
	if last.Request == nil || last.Request.Host != "new.example" {
		t.Errorf("last event = %+v", last)
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
}

func TestRouter(t *testing.T) {
	agg := NewAggregator()
	agg.AddFake(FakeEvent{Host: "a.example", Subject: "CN=a.example"})
	srv := httptest.NewServer(NewRouter(agg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	var snap Snapshot
	err = json.NewDecoder(resp.Body).Decode(&snap)
	resp.Body.Close()
	if err != nil || snap.Fakes != 1 {
		t.Errorf("/metrics = %+v, %v", snap, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/logs", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /logs error = %v", err)
	}
	defer resp.Body.Close()
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read /logs error = %v", err)
	}
	if !strings.HasPrefix(line, "data: ") || !strings.Contains(line, "CN=a.example") {
		t.Errorf("/logs line = %q", line)
	}
}

func TestTransportEmitsOnClose(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write(append(b, b...))
	}))
	defer origin.Close()

	agg := NewAggregator()
	client := &http.Client{Transport: &Transport{Agg: agg}}
	resp, err := client.Post(origin.URL+"/x", "text/plain", strings.NewReader("abc"))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	_, _ = io.ReadAll(resp.Body)
	if agg.Snapshot().TotalRequests != 0 {
		t.Error("event emitted before body close")
	}
	resp.Body.Close()
	s := agg.Snapshot()
	if s.TotalRequests != 1 || s.Codes[http.StatusTeapot] != 1 || s.BytesIn != 6 || s.BytesOut != 3 {
		t.Errorf("snapshot = %+v", s)
	}
}
