// Command inspect reports what a migration would see in the recorder
// database: classification breakdown, unit and source distribution and
// per-tier row counts. Read-only; needs no InfluxDB credentials.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/homestats/hass2influx/internal/classifier"
	"github.com/homestats/hass2influx/internal/config"
	"github.com/homestats/hass2influx/internal/domain"
	"github.com/homestats/hass2influx/internal/logger"
	"github.com/homestats/hass2influx/internal/repository"
)

func main() {
	appLogger := logger.New(logger.FromEnv())
	logger.SetDefault(appLogger)

	configPath := flag.String("config", "", "Path to config file")
	showRejected := flag.Bool("rejected", false, "List rejected entities with their reject reason")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	db, err := repository.OpenSource(&cfg.Source)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to open source database")
	}

	ctx := context.Background()
	metadata := repository.NewMetadataStream(db, cfg.Migrate.MetadataPageSize)
	records := repository.NewRecordStream(db, cfg.Migrate.RecordBatchSize)
	cls := classifier.New(&cfg.Filter)

	tally := classifier.NewTally()
	units := make(map[string]int)
	sources := make(map[string]int)
	var acceptedKeys []int64
	type rejected struct {
		id     string
		reason domain.RejectReason
	}
	var rejectedList []rejected

	pager := metadata.Pages(ctx, 0)
	for pager.Next() {
		for _, entity := range pager.Page() {
			result := cls.Classify(entity)
			tally.Observe(result)
			units[entity.Unit]++
			sources[entity.Source]++
			if result.Accepted {
				acceptedKeys = append(acceptedKeys, entity.EntityKey)
			} else if *showRejected {
				rejectedList = append(rejectedList, rejected{id: entity.ExternalID, reason: result.Reason})
			}
		}
	}
	if err := pager.Err(); err != nil {
		appLogger.WithError(err).Fatal("Metadata scan failed")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	fmt.Fprintf(w, "Entities\t%d\n", tally.Total)
	fmt.Fprintf(w, "Accepted\t%d\n", tally.Accepted)
	fmt.Fprintf(w, "Rejected\t%d\n", tally.Rejected())
	fmt.Fprintln(w)

	fmt.Fprintln(w, "CATEGORY\tCOUNT")
	for _, cat := range sortedKeys(tally.ByCategory) {
		fmt.Fprintf(w, "%s\t%d\n", cat, tally.ByCategory[domain.Category(cat)])
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "REJECT REASON\tCOUNT")
	for _, reason := range sortedKeys(tally.ByReason) {
		fmt.Fprintf(w, "%s\t%d\n", reason, tally.ByReason[domain.RejectReason(reason)])
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "UNIT\tCOUNT")
	for _, unit := range sortedCounts(units) {
		label := unit
		if label == "" {
			label = "(none)"
		}
		fmt.Fprintf(w, "%s\t%d\n", label, units[unit])
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "SOURCE\tCOUNT")
	for _, source := range sortedCounts(sources) {
		fmt.Fprintf(w, "%s\t%d\n", source, sources[source])
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "TIER\tROWS")
	for _, tier := range domain.AllTiers() {
		count, err := records.Count(ctx, tier, acceptedKeys)
		if err != nil {
			appLogger.WithError(err).Fatal("Record count failed")
		}
		fmt.Fprintf(w, "%s\t%d\n", tier, count)
	}

	if *showRejected {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "REJECTED ENTITY\tREASON")
		sort.Slice(rejectedList, func(i, j int) bool { return rejectedList[i].id < rejectedList[j].id })
		for _, r := range rejectedList {
			fmt.Fprintf(w, "%s\t%s\n", r.id, r.reason)
		}
	}

	w.Flush()
}

func sortedKeys[K ~string, V any](m map[K]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	return keys
}

// sortedCounts orders keys by descending count, ties alphabetically.
func sortedCounts(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}
