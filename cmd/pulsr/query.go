package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sandwichfarm/pulsr/internal/aggregates"
	"github.com/sandwichfarm/pulsr/internal/cache"
	"github.com/sandwichfarm/pulsr/internal/entities"
	internalnostr "github.com/sandwichfarm/pulsr/internal/nostr"
	"github.com/sandwichfarm/pulsr/internal/ops"
	"github.com/sandwichfarm/pulsr/internal/scoring"
	"github.com/sandwichfarm/pulsr/internal/storage"
	"github.com/spf13/cobra"
)

var (
	queryHours    int
	queryLimit    int
	queryViral    bool
	queryInterval int
	queryKind     int
	relaysInfo    bool
)

// withQueries opens storage and a query helper for one command
func withQueries(fn func(ctx context.Context, e *env, qh *aggregates.QueryHelper) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		queryCache, err := cache.New(ctx, &e.cfg.Caching)
		if err != nil {
			return err
		}
		defer queryCache.Close()

		return fn(ctx, e, aggregates.NewQueryHelper(e.storage, queryCache, e.cfg.Caching.TTL(), e.logger))
	}
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

// statsReport is the diagnostics plus the network growth derived from the stored snapshots
type statsReport struct {
	*ops.Diagnostics
	Growth      *aggregates.NetworkGrowth `json:"growth,omitempty"`
	HourlyNotes [24]int64                 `json:"hourly_notes_24h"`
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show storage, cursor, relay and aggregate diagnostics with network growth",
	Args:  cobra.NoArgs,
	RunE: withQueries(func(ctx context.Context, e *env, qh *aggregates.QueryHelper) error {
		collector := ops.NewDiagnosticsCollector(version, commit, e.storage)
		collector.SetRetentionManager(ops.NewRetentionManager(e.storage, &e.cfg.Retention, e.logger))

		diag, err := collector.CollectAll(ctx)
		if err != nil {
			return err
		}
		report := statsReport{Diagnostics: diag}

		report.Growth, err = qh.NetworkGrowth(ctx)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		report.HourlyNotes, err = qh.HourlyActivity(ctx, 24)
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(report)
		}
		fmt.Print(diag.FormatAsText())
		printGrowth(report.Growth, report.HourlyNotes)
		return nil
	}),
}

func printGrowth(g *aggregates.NetworkGrowth, hourly [24]int64) {
	fmt.Println()
	fmt.Println("Network Growth")
	if g == nil {
		fmt.Println("  no network snapshot yet, run aggregate first")
	} else {
		fmt.Printf("  users:          %s (%s new in 24h)\n", humanize.Comma(g.TotalUsers), humanize.Comma(g.NewUsers24h))
		fmt.Printf("  daily growth:   %.2f%%\n", g.DailyRate)
		if g.PreviousNewUsers > 0 {
			fmt.Printf("  day over day:   %+.2f%%\n", g.DayOverDay)
		} else {
			fmt.Println("  day over day:   n/a")
		}
	}

	if peak := scoring.PeakHour(hourly); peak >= 0 {
		fmt.Printf("  peak note hour: %02d:00 UTC (%d notes in 24h)\n", peak, hourly[peak])
	}
}

var trendingCmd = &cobra.Command{
	Use:   "trending",
	Short: "List trending hashtags",
	Args:  cobra.NoArgs,
	RunE: withQueries(func(ctx context.Context, e *env, qh *aggregates.QueryHelper) error {
		topics, err := qh.TrendingHashtags(ctx, queryHours, queryLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(topics)
		}

		w := newTable()
		fmt.Fprintln(w, "HASHTAG\tSCORE\tMENTIONS\tAUTHORS\tZAPPED")
		for _, t := range topics {
			fmt.Fprintf(w, "#%s\t%.2f\t%d\t%d\t%s\n",
				t.Hashtag, t.TrendScore, t.MentionCount, t.UniqueAuthors, aggregates.FormatSats(t.TotalZaps))
		}
		return w.Flush()
	}),
}

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "List the most zapped notes, or the most viral with --viral",
	Args:  cobra.NoArgs,
	RunE: withQueries(func(ctx context.Context, e *env, qh *aggregates.QueryHelper) error {
		get := qh.TopContent
		if queryViral {
			get = qh.TopViral
		}
		notes, err := get(ctx, queryHours, queryLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(notes)
		}

		now := time.Now()
		w := newTable()
		fmt.Fprintln(w, "EVENT\tAUTHOR\tAGE\tZAPPED\tREPLIES\tREACTIONS\tREPOSTS\tVIRALITY")
		for _, n := range notes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%.2f\n",
				aggregates.ShortID(n.EventID), aggregates.ShortID(n.AuthorPubkey), aggregates.FormatAge(n.CreatedAt, now),
				aggregates.FormatSats(n.ZapTotalSats), n.ReplyCount, n.ReactionCount, n.RepostCount, n.ViralityScore)
		}
		return w.Flush()
	}),
}

var relaysCmd = &cobra.Command{
	Use:   "relays",
	Short: "Show the latest health of every relay",
	Args:  cobra.NoArgs,
	RunE: withQueries(func(ctx context.Context, e *env, qh *aggregates.QueryHelper) error {
		if relaysInfo {
			return printRelayInfo(ctx, e.cfg.Relays.URLs)
		}

		relays, err := qh.RelayHealth(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(relays)
		}

		w := newTable()
		fmt.Fprintln(w, "RELAY\tUP\tHEALTH\tUPTIME\tLATENCY\tEVENTS\tEV/S\tERRORS")
		for _, r := range relays {
			up := "no"
			if r.IsConnected {
				up = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%.2f\t%.1f%%\t%dms\t%s\t%.2f\t%d\n",
				r.RelayURL, up, r.HealthScore, r.UptimePercentage, r.ConnectionLatencyMs,
				humanize.Comma(r.EventsReceived), r.EventsPerSecond, r.ErrorCount)
		}
		return w.Flush()
	}),
}

// printRelayInfo prints the NIP-11 document of every configured relay
func printRelayInfo(ctx context.Context, urls []string) error {
	type result struct {
		URL      string `json:"url"`
		Name     string `json:"name,omitempty"`
		Software string `json:"software,omitempty"`
		Version  string `json:"version,omitempty"`
		Error    string `json:"error,omitempty"`
	}

	results := make([]result, 0, len(urls))
	for _, url := range urls {
		r := result{URL: url}
		info, err := internalnostr.FetchRelayInfo(ctx, url)
		if err != nil {
			r.Error = err.Error()
		} else {
			r.Name, r.Software, r.Version = info.Name, info.Software, info.Version
		}
		results = append(results, r)
	}

	if jsonOutput {
		return printJSON(results)
	}

	w := newTable()
	fmt.Fprintln(w, "RELAY\tNAME\tSOFTWARE\tVERSION")
	for _, r := range results {
		if r.Error != "" {
			fmt.Fprintf(w, "%s\t(%s)\t\t\n", r.URL, r.Error)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.URL, r.Name, r.Software, r.Version)
	}
	return w.Flush()
}

var zapsCmd = &cobra.Command{
	Use:   "zaps",
	Short: "Summarize zap amounts",
	Args:  cobra.NoArgs,
	RunE: withQueries(func(ctx context.Context, e *env, qh *aggregates.QueryHelper) error {
		dist, err := qh.ZapDistribution(ctx, queryHours)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(dist)
		}

		fmt.Printf("Zaps in the last %dh: %s totaling %s\n", queryHours, humanize.Comma(int64(dist.Count)), aggregates.FormatSats(dist.Total))
		if dist.Count == 0 {
			return nil
		}
		fmt.Printf("  mean:   %.1f sats\n", dist.Mean)
		fmt.Printf("  median: %s\n", aggregates.FormatSats(dist.Median))
		fmt.Printf("  range:  %s to %s\n", aggregates.FormatSats(dist.Min), aggregates.FormatSats(dist.Max))
		fmt.Printf("  p25/p75/p95: %d / %d / %d sats\n", dist.P25, dist.P75, dist.P95)
		return nil
	}),
}

var timelineCmd = &cobra.Command{
	Use:   "timeline",
	Short: "Show event activity in time buckets",
	Args:  cobra.NoArgs,
	RunE: withQueries(func(ctx context.Context, e *env, qh *aggregates.QueryHelper) error {
		buckets, err := qh.ActivityTimeline(ctx, queryHours, queryInterval)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(buckets)
		}

		w := newTable()
		fmt.Fprintln(w, "BUCKET\tNOTES\tREACTIONS\tZAPS\tOTHER")
		for _, b := range buckets {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n",
				time.Unix(b.Bucket, 0).Format("2006-01-02 15:04"), b.Notes, b.Reactions, b.Zaps, b.Other)
		}
		return w.Flush()
	}),
}

var userCmd = &cobra.Command{
	Use:   "user <npub|hex>",
	Short: "Summarize the activity of one pubkey",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueries(func(ctx context.Context, e *env, qh *aggregates.QueryHelper) error {
			summary, err := qh.UserStats(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(summary)
			}

			name := summary.Npub
			if summary.Profile != nil && summary.Profile.Name != "" {
				name = fmt.Sprintf("%s (%s)", summary.Profile.Name, summary.Npub)
			}
			fmt.Println(name)
			fmt.Printf("  notes:            %d\n", summary.Notes)
			fmt.Printf("  reactions given:  %d\n", summary.ReactionsGiven)
			fmt.Printf("  received:         %d replies, %d reposts, %d reactions\n",
				summary.RepliesReceived, summary.RepostsReceived, summary.ReactionsReceived)
			fmt.Printf("  zaps received:    %d (%s)\n", summary.ZapsReceived, aggregates.FormatSats(summary.SatsReceived))
			fmt.Printf("  zaps sent:        %d (%s)\n", summary.ZapsSent, aggregates.FormatSats(summary.SatsSent))
			fmt.Printf("  engagement rate:  %.2f%% over %d engagers\n", summary.EngagementRate, summary.Engagers)
			fmt.Printf("  influence:        %.2f\n", summary.Influence)
			if summary.PeakHour >= 0 {
				fmt.Printf("  most active:      %02d:00 UTC\n", summary.PeakHour)
			}
			if summary.LastSeen > 0 {
				fmt.Printf("  last seen:        %s\n", aggregates.FormatAge(summary.LastSeen, time.Now()))
			}
			if len(summary.TopContent) > 0 {
				fmt.Println("  top content:")
				for _, c := range summary.TopContent {
					fmt.Printf("    %s  virality %.2f  %s\n", aggregates.ShortID(c.EventID), c.ViralityScore, aggregates.FormatSats(c.ZapTotalSats))
				}
			}
			return nil
		})(cmd, args)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Find stored events whose content contains text",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		return withQueries(func(ctx context.Context, e *env, qh *aggregates.QueryHelper) error {
			results, err := qh.SearchEvents(ctx, query, queryKind, queryLimit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(results)
			}

			resolver := entities.NewResolver(e.storage)
			now := time.Now()
			for _, ev := range results {
				content := strings.ReplaceAll(resolver.ReplaceEntities(ctx, ev.Content), "\n", " ")
				if len(content) > 120 {
					content = content[:117] + "..."
				}
				fmt.Printf("%s  kind %d  %s  %s\n  %s\n",
					aggregates.ShortID(ev.ID), ev.Kind, aggregates.ShortID(ev.PubKey), aggregates.FormatAge(ev.CreatedAt, now), content)
			}
			return nil
		})(cmd, args)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{trendingCmd, topCmd, zapsCmd, timelineCmd} {
		cmd.Flags().IntVar(&queryHours, "hours", 24, "Look back this many hours")
	}
	for _, cmd := range []*cobra.Command{trendingCmd, topCmd, searchCmd} {
		cmd.Flags().IntVar(&queryLimit, "limit", 20, "Maximum rows")
	}
	topCmd.Flags().BoolVar(&queryViral, "viral", false, "Order by virality instead of zapped sats, skipping spam")
	timelineCmd.Flags().IntVar(&queryInterval, "interval", 60, "Bucket width in minutes")
	searchCmd.Flags().IntVar(&queryKind, "kind", -1, "Only match this kind (-1 for any)")
	relaysCmd.Flags().BoolVar(&relaysInfo, "info", false, "Fetch the NIP-11 document of every configured relay instead")

	rootCmd.AddCommand(statsCmd, trendingCmd, topCmd, relaysCmd, zapsCmd, timelineCmd, userCmd, searchCmd)
}
