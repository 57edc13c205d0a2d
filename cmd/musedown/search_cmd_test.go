package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/quailyquaily/musedown/internal/resolver"
)

type stubGateway struct {
	query string
	limit int
	out   []resolver.Candidate
	err   error
}

func (g *stubGateway) Search(_ context.Context, query string, limit int) ([]resolver.Candidate, error) {
	g.query, g.limit = query, limit
	return g.out, g.err
}

func (g *stubGateway) FetchAudio(context.Context, string) (resolver.Audio, error) {
	return resolver.Audio{}, nil
}

func useStubGateway(t *testing.T, gw *stubGateway) {
	t.Helper()
	prev := newSearchGateway
	newSearchGateway = func(resolver.YTDLPOptions) (resolver.Gateway, error) { return gw, nil }
	t.Cleanup(func() { newSearchGateway = prev })
}

func TestSearchCmdPrintsCandidates(t *testing.T) {
	resetViper(t)
	secs := 65
	gw := &stubGateway{out: []resolver.Candidate{{Title: "Song", DurationSeconds: &secs, Locator: "https://youtu.be/x"}}}
	useStubGateway(t, gw)

	cmd := newSearchCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"never", "gonna", "--search-limit", "3"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if gw.query != "never gonna" || gw.limit != 3 {
		t.Fatalf("search = %q/%d, want never gonna/3", gw.query, gw.limit)
	}
	got := out.String()
	if !strings.Contains(got, "Candidates (1)") || !strings.Contains(got, "1. 1:05") || !strings.Contains(got, "Song https://youtu.be/x") {
		t.Fatalf("output = %q", got)
	}
}

func TestSearchCmdNoResults(t *testing.T) {
	resetViper(t)
	useStubGateway(t, &stubGateway{err: resolver.ErrNoResults})

	cmd := newSearchCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"zzz"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(out.String(), "No results.") {
		t.Fatalf("output = %q", out.String())
	}
}
