package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/setevik/logvault/internal/archive"
	"github.com/setevik/logvault/internal/chain"
	"github.com/setevik/logvault/internal/event"
	"github.com/setevik/logvault/internal/format"
	"github.com/setevik/logvault/internal/store"
)

// --- verify subcommand ---

func runVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	fs.Parse(args)

	cfg, db, closeDB := loadCLI(*configPath)
	defer closeDB()

	res := chain.NewVerifier(db, cfg.Chain.BackfillBatch).Verify(context.Background())

	if *asJSON {
		printJSON(res)
	} else {
		fmt.Println(res.Details)
		fmt.Printf("Verified:     %s of %s event(s)\n",
			format.Count(int64(res.VerifiedEvents)), format.Count(int64(res.TotalEvents)))
	}
	if !res.Valid {
		closeDB()
		os.Exit(2)
	}
}

// --- backfill subcommand ---

func runBackfill(args []string) {
	fs := flag.NewFlagSet("backfill", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	batch := fs.Int("batch", 0, "events per flush (default from config)")
	fs.Parse(args)

	cfg, db, closeDB := loadCLI(*configPath)
	defer closeDB()

	size := cfg.Chain.BackfillBatch
	if *batch > 0 {
		size = *batch
	}

	res, err := chain.NewRepairer(db, size).Backfill(context.Background())
	exitOn(err, "backfill")

	fmt.Printf("Backfill complete. %s of %s event(s) updated.\n",
		format.Count(int64(res.Backfilled)), format.Count(int64(res.Total)))
	if res.Failed > 0 {
		fmt.Fprintf(os.Stderr, "%d update(s) failed:\n", res.Failed)
		for _, e := range res.Errors {
			fmt.Fprintf(os.Stderr, "  %s\n", e)
		}
		closeDB()
		os.Exit(1)
	}
}

// --- prune subcommand ---

func runPrune(args []string) {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	days := fs.Int("days", -1, "override retention_days (0 disables the age policy)")
	maxCount := fs.Int("max-count", -1, "override max_count (0 disables the count policy)")
	fs.Parse(args)

	cfg, db, closeDB := loadCLI(*configPath)
	defer closeDB()

	p := newPruner(cfg, db, nil)
	if *days >= 0 {
		p.RetentionDays = *days
	}
	if *maxCount >= 0 {
		p.MaxCount = *maxCount
	}

	res, err := p.PruneOnce(context.Background())
	fmt.Printf("Deleted %s by age, %s by count.\n", format.Count(res.ByAge), format.Count(res.ByCount))
	exitOn(err, "prune")
}

// --- archive subcommand ---

func runArchive(args []string) {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	prev := time.Now().UTC().AddDate(0, -1, 0)
	month := fs.Int("month", int(prev.Month()), "month to export (1-12)")
	year := fs.Int("year", prev.Year(), "year to export")
	out := fs.String("out", "", "output file, '-' for stdout (default <prefix>_archive_<year>_<MM>.jsonl)")
	fs.Parse(args)

	cfg, db, closeDB := loadCLI(*configPath)
	defer closeDB()

	p, err := archive.ParsePeriod(strconv.Itoa(*month), strconv.Itoa(*year))
	exitOn(err, "archive")

	since, until := p.Range()
	events, err := db.Range(context.Background(), since, until)
	exitOn(err, "archive")
	if len(events) == 0 {
		fmt.Fprintf(os.Stderr, "No events found for %d-%02d.\n", p.Year, int(p.Month))
		closeDB()
		os.Exit(1)
	}

	var w io.Writer = os.Stdout
	path := *out
	if path == "" {
		path = archive.Filename(cfg.Archive.Prefix, p)
	}
	if path != "-" {
		f, err := os.Create(path)
		exitOn(err, "archive")
		defer f.Close()
		w = f
	}

	n, err := archive.Write(w, events)
	exitOn(err, "archive")
	if path != "-" {
		fmt.Fprintf(os.Stderr, "Wrote %s event(s) to %s\n", format.Count(int64(n)), path)
	}
}

// --- import subcommand ---

func runImport(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	backfill := fs.Bool("backfill", false, "relink the chain after importing")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: logvault import [-config path] [-backfill] <archive.jsonl>")
		os.Exit(2)
	}

	cfg, db, closeDB := loadCLI(*configPath)
	defer closeDB()

	f, err := os.Open(fs.Arg(0))
	exitOn(err, "import")
	defer f.Close()

	events, err := archive.Read(f)
	exitOn(err, "import")

	ctx := context.Background()
	n, err := db.Import(ctx, events)
	exitOn(err, "import")
	fmt.Printf("Imported %s of %s event(s) from %s\n",
		format.Count(int64(n)), format.Count(int64(len(events))), filepath.Base(fs.Arg(0)))

	if n == 0 {
		return
	}
	if !*backfill {
		fmt.Println("Imported events carry no links; run 'logvault backfill' before verifying.")
		return
	}
	res, err := chain.NewRepairer(db, cfg.Chain.BackfillBatch).Backfill(ctx)
	exitOn(err, "backfill")
	fmt.Printf("Backfill complete. %s of %s event(s) updated.\n",
		format.Count(int64(res.Backfilled)), format.Count(int64(res.Total)))
}

// --- query subcommand ---

func runQuery(args []string) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	last := fs.String("last", "24h", "time window (e.g. 24h, 7d, 30d)")
	source := fs.String("source", "", "filter by source name")
	category := fs.String("category", "", "filter by category")
	level := fs.String("level", "", "filter by level (DEBUG, INFO, WARN, ERROR, CRITICAL)")
	search := fs.String("search", "", "case-insensitive text search")
	limit := fs.Int("limit", 50, "max events to show")
	fs.Parse(args)

	_, db, closeDB := loadCLI(*configPath)
	defer closeDB()

	since, err := parseDuration(*last)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --last value %q: %v\n", *last, err)
		closeDB()
		os.Exit(1)
	}

	filter := store.QueryFilter{
		Since:    time.Now().Add(-since),
		Source:   *source,
		Category: *category,
		Search:   *search,
		Limit:    *limit,
	}
	if *level != "" {
		filter.Level = string(event.ParseLevel(*level))
	}

	events, err := db.Query(context.Background(), filter)
	exitOn(err, "query")

	if len(events) == 0 {
		fmt.Println("No events found.")
		return
	}
	printEvents(events)
}

func printEvents(events []*event.Event) {
	for _, ev := range events {
		ts := ev.Timestamp.Local().Format("2006-01-02 15:04:05")
		fmt.Printf("%s  %-8s %-18s %s\n", ts, ev.Level, ev.Source, ev.Message)
		if ev.RepeatCount > 0 {
			fmt.Printf("             Repeated %d more time(s), last %s\n", ev.RepeatCount, ev.LastSeen.Local().Format("15:04:05"))
		}
		if ev.Interpretation != "" {
			fmt.Printf("             %s\n", ev.Interpretation)
		}
	}
	fmt.Printf("Total: %d event(s)\n", len(events))
}

// --- status subcommand ---

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg, db, closeDB := loadCLI(*configPath)
	defer closeDB()

	ctx := context.Background()
	now := time.Now()

	fmt.Printf("Instance:     %s\n", cfg.Instance.ID)
	fmt.Printf("DB driver:    %s (%s lock)\n", db.Driver(), cfg.LockBackend())
	if db.Driver() == store.DriverSQLite {
		size := "missing"
		if info, err := os.Stat(cfg.DBPath()); err == nil {
			size = format.Bytes(info.Size())
		}
		fmt.Printf("DB path:      %s (%s)\n", cfg.DBPath(), size)
	}

	count, err := db.Count(ctx)
	exitOn(err, "status")
	fmt.Printf("DB events:    %s total\n", format.Count(count))

	if oldest, ok, err := db.OldestTimestamp(ctx); err == nil && ok {
		fmt.Printf("Oldest event: %s (%s)\n", oldest.Local().Format("2006-01-02 15:04:05"), format.Ago(oldest, now))
	}

	latest, err := db.Query(ctx, store.QueryFilter{Limit: 1})
	if err == nil && len(latest) > 0 {
		ev := latest[0]
		fmt.Printf("Last event:   [%s] %s: %s (%s ago)\n",
			ev.Level, ev.Source, ev.Message, format.Duration(now.Sub(ev.Timestamp).Truncate(time.Second)))
	} else {
		fmt.Println("Last event:   none")
	}

	if tail, err := db.LastHash(ctx); err == nil {
		fmt.Printf("Chain tail:   %s\n", format.ShortHash(tail))
	}
	if anchor, err := db.Anchor(ctx); err == nil && anchor != chain.Genesis {
		fmt.Printf("Chain anchor: %s (sealed by pruning)\n", format.ShortHash(anchor))
	}

	day, err := db.Query(ctx, store.QueryFilter{Since: now.Add(-24 * time.Hour)})
	if err == nil {
		levels := map[event.Level]int{}
		for _, ev := range day {
			levels[ev.Level]++
		}
		fmt.Printf("Events (24h): %d critical, %d error, %d warn, %d info, %d debug\n",
			levels[event.LevelCritical], levels[event.LevelError], levels[event.LevelWarn],
			levels[event.LevelInfo], levels[event.LevelDebug])
	}

	sources, err := db.ListSources(ctx)
	if err == nil {
		fmt.Printf("Sources:      %d registered\n", len(sources))
	}
	fmt.Printf("Retention:    %d days, %s events max\n", cfg.Retention.RetentionDays, format.Count(int64(cfg.Retention.MaxCount)))
}

// --- sources subcommand ---

func runSources(args []string) {
	fs := flag.NewFlagSet("sources", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	name := fs.String("name", "", "source name (add)")
	ip := fs.String("ip", "", "sender IP address (add)")
	color := fs.String("color", "", "display color (add)")
	since := fs.String("since", "48h", "window for unknown senders")
	fs.Parse(args)

	action := "list"
	if fs.NArg() > 0 {
		action = fs.Arg(0)
	}

	_, db, closeDB := loadCLI(*configPath)
	defer closeDB()
	ctx := context.Background()

	switch action {
	case "list":
		sources, err := db.ListSources(ctx)
		exitOn(err, "sources")
		if len(sources) == 0 {
			fmt.Println("No sources registered.")
			return
		}
		now := time.Now()
		for _, s := range sources {
			fmt.Printf("%-16s %-24s last seen %s\n", s.IPAddress, s.Name, format.Ago(s.LastSeen, now))
		}

	case "add":
		if strings.TrimSpace(*name) == "" || strings.TrimSpace(*ip) == "" {
			fmt.Fprintln(os.Stderr, "usage: logvault sources -name NAME -ip ADDR [-color COLOR] add")
			closeDB()
			os.Exit(2)
		}
		s, err := db.UpsertSource(ctx, strings.TrimSpace(*name), strings.TrimSpace(*ip), *color)
		exitOn(err, "sources")
		fmt.Printf("Saved %s -> %s\n", s.IPAddress, s.Name)

	case "unknown":
		window, err := parseDuration(*since)
		exitOn(err, "sources")
		ips, err := db.UnknownIPs(ctx, time.Now().Add(-window))
		exitOn(err, "sources")
		if len(ips) == 0 {
			fmt.Println("No unknown senders.")
			return
		}
		for _, ip := range ips {
			fmt.Println(ip)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown sources action %q (want list, add or unknown)\n", action)
		closeDB()
		os.Exit(2)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
