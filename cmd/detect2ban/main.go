// detect2ban replays WAF events against a notification matrix offline and
// reports which rules would fire and which addresses would be banned.
// Nothing is dispatched to any provider.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/adapter/external/modsec"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/adapter/repository/memory"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/config"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/usecase/audit"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/usecase/bans"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/usecase/detect2ban"
)

const version = "1.0.0"

// report is the -json output
type report struct {
	Events int               `json:"events"`
	Fires  []fireReport      `json:"fires"`
	Bans   []entity.Ban      `json:"bans"`
	Status detect2ban.Status `json:"engine"`
}

type fireReport struct {
	At       time.Time `json:"at"`
	Rule     string    `json:"rule"`
	Severity string    `json:"severity"`
	Count    int       `json:"count"`
	Reason   string    `json:"reason"`
	IPs      []string  `json:"ips"`
}

// noDispatch satisfies the registry notifier; a replay has no integrations
type noDispatch struct{}

func (noDispatch) Notify(...uuid.UUID) {}

func main() {
	matrixPath := flag.String("matrix", "", "Notification matrix YAML (required)")
	modsecLog := flag.String("modsec", "", "ModSecurity error log to replay")
	eventsPath := flag.String("events", "", "JSON events file to replay (array or one object per line)")
	protected := flag.String("protected", "", "Extra protected networks, comma separated")
	tz := flag.String("tz", "UTC", "Time zone of ModSecurity log timestamps")
	jsonOutput := flag.Bool("json", false, "Output in JSON format")
	verbose := flag.Bool("v", false, "Log engine decisions to stderr")
	showVersion := flag.Bool("version", false, "Show version")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Orchestra detect2ban dry run v%s\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage: %s -matrix FILE (-modsec FILE | -events FILE) [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -matrix ./config/matrix.yaml -modsec /var/log/nginx/error.log\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -matrix ./config/matrix.yaml -events events.json -json\n", os.Args[0])
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("detect2ban v%s\n", version)
		os.Exit(0)
	}
	if *matrixPath == "" || (*modsecLog == "") == (*eventsPath == "") {
		flag.Usage()
		os.Exit(2)
	}

	level := slog.LevelError
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var events []entity.WAFEvent
	var err error
	if *modsecLog != "" {
		events, err = loadModSec(*modsecLog, *tz)
	} else {
		events, err = loadJSON(*eventsPath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading events: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	opts := detect2ban.OptionsFromConfig(cfg.Detection)
	if *protected != "" {
		opts.ProtectedNetworks = append(opts.ProtectedNetworks, strings.Split(*protected, ",")...)
	}

	rep, err := replay(context.Background(), *matrixPath, opts, events, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing JSON: %v\n", err)
			os.Exit(1)
		}
		return
	}
	printReport(os.Stdout, rep)
}

// replay feeds events in timestamp order through a real engine and ban
// registry backed by an in-memory store. The clock follows the events.
func replay(ctx context.Context, matrixPath string, opts detect2ban.Options, events []entity.WAFEvent, logger *slog.Logger) (*report, error) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	clock := time.Now()
	if len(events) > 0 && !events[0].Timestamp.IsZero() {
		clock = events[0].Timestamp
	}
	now := func() time.Time { return clock }

	store := memory.NewStore()
	sink := audit.NewService(store, logger)
	registry := bans.NewService(store, sink, noDispatch{}, logger)
	registry.SetClock(now)

	engine, err := detect2ban.NewEngine(store, registry, opts, logger)
	if err != nil {
		return nil, err
	}
	engine.SetClock(now)

	rules := detect2ban.NewRuleService(store, sink, engine, logger)
	n, err := rules.Seed(ctx, matrixPath)
	if err != nil {
		return nil, fmt.Errorf("load matrix: %w", err)
	}
	if n == 0 {
		return nil, errors.New("matrix has no valid rules")
	}
	if err := engine.RefreshRules(ctx); err != nil {
		return nil, err
	}

	rep := &report{Events: len(events), Fires: []fireReport{}}
	for _, evt := range events {
		if !evt.Timestamp.IsZero() && evt.Timestamp.After(clock) {
			clock = evt.Timestamp
		}
		for _, f := range engine.Process(ctx, evt) {
			rep.Fires = append(rep.Fires, fireReport{
				At:       clock,
				Rule:     f.Rule.Name,
				Severity: string(f.Rule.SeverityLevel),
				Count:    f.Count,
				Reason:   f.Reason,
				IPs:      f.IPs,
			})
		}
	}

	active, err := registry.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	rep.Bans = active
	rep.Status = engine.Status()
	return rep, nil
}

func loadModSec(path, tz string) ([]entity.WAFEvent, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("time zone %q: %w", tz, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return modsec.NewParser(loc).Parse(f, time.Time{})
}

// loadJSON accepts a JSON array or newline delimited objects
func loadJSON(path string) ([]entity.WAFEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var events []entity.WAFEvent
		if err := json.Unmarshal([]byte(trimmed), &events); err != nil {
			return nil, err
		}
		return events, nil
	}

	var events []entity.WAFEvent
	dec := json.NewDecoder(strings.NewReader(trimmed))
	for {
		var evt entity.WAFEvent
		if err := dec.Decode(&evt); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("event %d: %w", len(events)+1, err)
		}
		events = append(events, evt)
	}
	return events, nil
}

func printReport(w io.Writer, rep *report) {
	fmt.Fprintf(w, "Replayed %d events (%d processed, %d rules)\n\n", rep.Events, rep.Status.Processed, rep.Status.Rules)

	if len(rep.Fires) == 0 {
		fmt.Fprintln(w, "No rule fired.")
		return
	}

	fmt.Fprintf(w, "Fires: %d\n", len(rep.Fires))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tRULE\tSEVERITY\tCOUNT\tIPS")
	for _, f := range rep.Fires {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			f.At.UTC().Format(time.RFC3339), f.Rule, f.Severity, f.Count, strings.Join(f.IPs, ","))
	}
	tw.Flush()

	fmt.Fprintf(w, "\nWould ban: %d\n", len(rep.Bans))
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "IP\tSEVERITY\tEVENTS\tEXPIRES\tREASON")
	for _, b := range rep.Bans {
		expires := "never"
		if b.ExpiresAt != nil {
			expires = b.ExpiresAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", b.IPAddress, b.Severity, b.SourceEventCount, expires, b.Reason)
	}
	tw.Flush()
}
