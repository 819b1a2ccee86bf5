package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Result is the consensus answer delivered back to the settlement
// engine. Verified is true only when a strict majority of configured
// sources returned the identical tuple.
type Result struct {
	Home     int
	Away     int
	Verified bool
	// Votes counts how many sources backed the winning tuple.
	Votes   int
	Sources int
}

type Fetcher struct {
	sources []*SourceClient
	log     *slog.Logger
}

func NewFetcher(feedURLs []string, timeout time.Duration, logger *slog.Logger) (*Fetcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(feedURLs) == 0 {
		return nil, fmt.Errorf("at least one score feed is required")
	}
	sources := make([]*SourceClient, 0, len(feedURLs))
	for _, u := range feedURLs {
		sources = append(sources, NewSourceClient(u, timeout))
	}
	return &Fetcher{sources: sources, log: logger}, nil
}

// FetchQuarter queries every source and votes. A failing source simply
// does not vote; a strict majority of all configured sources (not just
// the responders) is required for a verified result.
func (f *Fetcher) FetchQuarter(ctx context.Context, eventKey string, quarter int) Result {
	type vote struct {
		home, away int
	}
	tally := make(map[vote]int)
	responded := 0
	for _, src := range f.sources {
		score, err := src.QuarterScore(ctx, eventKey, quarter)
		if err != nil {
			f.log.Warn("score feed failed",
				"feed", src.BaseURL(),
				"event", eventKey,
				"quarter", quarter,
				"err", err)
			continue
		}
		responded++
		tally[vote{home: score.Home, away: score.Away}]++
	}

	var best vote
	bestVotes := 0
	for v, n := range tally {
		if n > bestVotes {
			best, bestVotes = v, n
		}
	}
	out := Result{
		Home:    best.home,
		Away:    best.away,
		Votes:   bestVotes,
		Sources: len(f.sources),
	}
	out.Verified = bestVotes*2 > len(f.sources)
	if !out.Verified {
		f.log.Warn("score consensus not reached",
			"event", eventKey,
			"quarter", quarter,
			"responded", responded,
			"best_votes", bestVotes,
			"sources", len(f.sources))
	}
	return out
}
