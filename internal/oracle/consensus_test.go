package oracle

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func scoreFeed(home, away int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"home":%d,"away":%d,"final":false}`, home, away)
	}))
}

func failingFeed() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
}

func newTestFetcher(t *testing.T, servers ...*httptest.Server) *Fetcher {
	t.Helper()
	urls := make([]string, 0, len(servers))
	for _, s := range servers {
		urls = append(urls, s.URL)
	}
	f, err := NewFetcher(urls, 2*time.Second, nil)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	return f
}

func TestFetchQuarterUnanimous(t *testing.T) {
	a, b, c := scoreFeed(14, 7), scoreFeed(14, 7), scoreFeed(14, 7)
	defer a.Close()
	defer b.Close()
	defer c.Close()

	out := newTestFetcher(t, a, b, c).FetchQuarter(context.Background(), "sb-2026", 1)
	if !out.Verified {
		t.Fatalf("expected unanimous result to verify: %+v", out)
	}
	if out.Home != 14 || out.Away != 7 {
		t.Fatalf("wrong tuple: %+v", out)
	}
	if out.Votes != 3 {
		t.Fatalf("expected 3 votes, got %d", out.Votes)
	}
}

func TestFetchQuarterMajorityOverridesOutlier(t *testing.T) {
	a, b := scoreFeed(21, 17), scoreFeed(21, 17)
	outlier := scoreFeed(20, 17)
	defer a.Close()
	defer b.Close()
	defer outlier.Close()

	out := newTestFetcher(t, a, b, outlier).FetchQuarter(context.Background(), "sb-2026", 2)
	if !out.Verified {
		t.Fatalf("expected 2-of-3 to verify: %+v", out)
	}
	if out.Home != 21 || out.Away != 17 {
		t.Fatalf("majority tuple lost: %+v", out)
	}
}

func TestFetchQuarterNoMajority(t *testing.T) {
	a, b, c := scoreFeed(10, 3), scoreFeed(13, 3), scoreFeed(10, 6)
	defer a.Close()
	defer b.Close()
	defer c.Close()

	out := newTestFetcher(t, a, b, c).FetchQuarter(context.Background(), "sb-2026", 3)
	if out.Verified {
		t.Fatalf("expected three-way split to stay unverified: %+v", out)
	}
}

func TestFetchQuarterFailuresCountAgainstMajority(t *testing.T) {
	// One live feed out of three configured is not a strict majority,
	// even though every responder agreed.
	live := scoreFeed(28, 24)
	down1, down2 := failingFeed(), failingFeed()
	defer live.Close()
	defer down1.Close()
	defer down2.Close()

	out := newTestFetcher(t, live, down1, down2).FetchQuarter(context.Background(), "sb-2026", 4)
	if out.Verified {
		t.Fatalf("expected 1-of-3 to stay unverified: %+v", out)
	}
	if out.Votes != 1 || out.Sources != 3 {
		t.Fatalf("vote accounting wrong: %+v", out)
	}
}

func TestFetchQuarterSingleSource(t *testing.T) {
	live := scoreFeed(3, 0)
	defer live.Close()

	out := newTestFetcher(t, live).FetchQuarter(context.Background(), "sb-2026", 1)
	if !out.Verified {
		t.Fatalf("1-of-1 is a strict majority: %+v", out)
	}
}

func TestQuarterScoreRejectsOutOfRange(t *testing.T) {
	bad := scoreFeed(300, 0)
	defer bad.Close()

	src := NewSourceClient(bad.URL, 2*time.Second)
	if _, err := src.QuarterScore(context.Background(), "sb-2026", 1); err == nil {
		t.Fatalf("expected out-of-range score to fail")
	}
}

func TestNewFetcherRequiresSources(t *testing.T) {
	if _, err := NewFetcher(nil, time.Second, nil); err == nil {
		t.Fatalf("expected empty feed list to fail")
	}
}
