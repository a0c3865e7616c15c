package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

type RequestEvent struct {
	Ts       time.Time `json:"ts"`
	Host     string    `json:"host"`
	Method   string    `json:"method"`
	Path     string    `json:"path"`
	Code     int       `json:"code"`
	Ms       int64     `json:"ms"`
	BytesIn  int64     `json:"bytesIn"`
	BytesOut int64     `json:"bytesOut"`
}

// FakeEvent records one attempt to impersonate an origin certificate.
type FakeEvent struct {
	Ts      time.Time `json:"ts"`
	Host    string    `json:"host"`
	Subject string    `json:"subject"`
	Key     string    `json:"key"`
	Serial  string    `json:"serial,omitempty"`
	Cached  bool      `json:"cached"`
	Ms      int64     `json:"ms"`
	Err     string    `json:"err,omitempty"`
}

type hostStat struct {
	Req      uint64 `json:"req"`
	BytesIn  uint64 `json:"bytesIn"`
	BytesOut uint64 `json:"bytesOut"`
}

type Snapshot struct {
	UptimeSec     uint64              `json:"uptimeSec"`
	TotalRequests uint64              `json:"totalRequests"`
	Codes         map[int]uint64      `json:"codes"`
	BytesIn       uint64              `json:"bytesIn"`
	BytesOut      uint64              `json:"bytesOut"`
	Hosts         map[string]hostStat `json:"hosts"`
	Fakes         uint64              `json:"fakes"`
	FakeCacheHits uint64              `json:"fakeCacheHits"`
	FakeFailures  uint64              `json:"fakeFailures"`
	Tunnels       uint64              `json:"tunnels"`
}

type Aggregator struct {
	startedAt     time.Time
	totalRequests atomic.Uint64
	bytesIn       atomic.Uint64
	bytesOut      atomic.Uint64
	fakes         atomic.Uint64
	fakeHits      atomic.Uint64
	fakeFailures  atomic.Uint64
	tunnels       atomic.Uint64

	mu    sync.Mutex
	codes map[int]uint64
	hosts map[string]hostStat
	buf   []Event // last bufSize events, replayed to new subscribers

	// non-blocking broadcast
	subMu sync.Mutex
	subs  map[chan Event]struct{}
}

const bufSize = 200

// Event is what /logs streams; exactly one field is set.
type Event struct {
	Request *RequestEvent `json:"request,omitempty"`
	Fake    *FakeEvent    `json:"fake,omitempty"`
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		startedAt: time.Now(),
		codes:     make(map[int]uint64),
		hosts:     make(map[string]hostStat),
		buf:       make([]Event, 0, bufSize),
		subs:      make(map[chan Event]struct{}),
	}
}

func (a *Aggregator) Add(ev RequestEvent) {
	a.totalRequests.Add(1)
	if ev.BytesIn > 0 {
		a.bytesIn.Add(uint64(ev.BytesIn))
	}
	if ev.BytesOut > 0 {
		a.bytesOut.Add(uint64(ev.BytesOut))
	}
	a.mu.Lock()
	a.codes[ev.Code] = a.codes[ev.Code] + 1
	hs := a.hosts[ev.Host]
	hs.Req++
	if ev.BytesIn > 0 {
		hs.BytesIn += uint64(ev.BytesIn)
	}
	if ev.BytesOut > 0 {
		hs.BytesOut += uint64(ev.BytesOut)
	}
	a.hosts[ev.Host] = hs
	a.mu.Unlock()
	if ev.Method == "CONNECT" {
		a.tunnels.Add(1)
	}
	a.publish(Event{Request: &ev})
}

// AddFake records the outcome of a certificate fake.
func (a *Aggregator) AddFake(ev FakeEvent) {
	switch {
	case ev.Err != "":
		a.fakeFailures.Add(1)
	case ev.Cached:
		a.fakeHits.Add(1)
	default:
		a.fakes.Add(1)
	}
	a.publish(Event{Fake: &ev})
}

func (a *Aggregator) publish(ev Event) {
	a.mu.Lock()
	if len(a.buf) == bufSize {
		a.buf = append(a.buf[:0], a.buf[1:]...)
	}
	a.buf = append(a.buf, ev)
	a.mu.Unlock()

	a.subMu.Lock()
	for ch := range a.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	a.subMu.Unlock()
}

func (a *Aggregator) Snapshot() Snapshot {
	s := Snapshot{
		UptimeSec:     uint64(time.Since(a.startedAt).Seconds()),
		TotalRequests: a.totalRequests.Load(),
		BytesIn:       a.bytesIn.Load(),
		BytesOut:      a.bytesOut.Load(),
		Codes:         make(map[int]uint64),
		Hosts:         make(map[string]hostStat),
		Fakes:         a.fakes.Load(),
		FakeCacheHits: a.fakeHits.Load(),
		FakeFailures:  a.fakeFailures.Load(),
		Tunnels:       a.tunnels.Load(),
	}
	a.mu.Lock()
	for k, v := range a.codes {
		s.Codes[k] = v
	}
	for k, v := range a.hosts {
		s.Hosts[k] = v
	}
	a.mu.Unlock()
	return s
}

// Subscribe returns a channel of new events, preceded by a best-effort replay
// of recent ones, and a cancel func that closes it.
func (a *Aggregator) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	a.mu.Lock()
	backlog := a.buf
	if n := cap(ch) / 2; len(backlog) > n {
		backlog = backlog[len(backlog)-n:]
	}
	for _, ev := range backlog {
		ch <- ev
	}
	a.subMu.Lock()
	a.subs[ch] = struct{}{}
	a.subMu.Unlock()
	a.mu.Unlock()
	cancel := func() {
		a.subMu.Lock()
		if _, ok := a.subs[ch]; ok {
			delete(a.subs, ch)
			close(ch)
		}
		a.subMu.Unlock()
	}
	return ch, cancel
}
