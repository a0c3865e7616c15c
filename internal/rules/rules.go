package rules

import (
	"net"
	"strings"
)

type Mode string

const (
	ModeAll  Mode = "all"
	ModeList Mode = "list"
	ModeNone Mode = "none"
)

// Engine decides which CONNECT targets get a faked certificate.
// Bypass entries win over everything else.
type Engine struct {
	Mode   Mode
	Suffix []string
	Bypass []string
}

func normalize(list []string) []string {
	var out []string
	for _, d := range list {
		s := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "*.")
		if s != "" {
			out = append(out, strings.TrimSuffix(s, "."))
		}
	}
	return out
}

func New(mode string, intercept, bypass []string) *Engine {
	return &Engine{Mode: Mode(mode), Suffix: normalize(intercept), Bypass: normalize(bypass)}
}

func matches(host string, suffixes []string) bool {
	for _, suf := range suffixes {
		if host == suf || strings.HasSuffix(host, "."+suf) {
			return true
		}
	}
	return false
}

// ShouldIntercept reports whether hostport should be impersonated
// instead of tunnelled.
func (e *Engine) ShouldIntercept(hostport string) bool {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if matches(host, e.Bypass) {
		return false
	}
	switch e.Mode {
	case ModeAll:
		return true
	case ModeList:
		return matches(host, e.Suffix)
	default:
		return false
	}
}
