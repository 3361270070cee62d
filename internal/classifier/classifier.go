// Package classifier decides, per entity, whether its history is worth
// migrating and which semantic category it belongs to. Classification is
// a pure function of the descriptor so that re-running it on a resumed
// run always reproduces the same accepted set.
package classifier

import (
	"path"
	"strings"

	"github.com/homestats/hass2influx/internal/config"
	"github.com/homestats/hass2influx/internal/domain"
)

// unitRule maps a unit of measurement to its category and, where the
// category default is wrong for that unit, an aggregation override.
// Cumulative data-volume units keep their last value even though the
// network category as a whole averages.
type unitRule struct {
	category    domain.Category
	aggregation domain.Aggregation // empty means category default
}

var unitRules = map[string]unitRule{
	"kWh":   {category: domain.CategoryEnergy},
	"Wh":    {category: domain.CategoryEnergy},
	"MWh":   {category: domain.CategoryEnergy},
	"W":     {category: domain.CategoryPower},
	"kW":    {category: domain.CategoryPower},
	"°C":    {category: domain.CategoryTemperature},
	"°F":    {category: domain.CategoryTemperature},
	"%":     {category: domain.CategoryEnvironmental},
	"hPa":   {category: domain.CategoryEnvironmental},
	"bar":   {category: domain.CategoryEnvironmental},
	"mbar":  {category: domain.CategoryEnvironmental},
	"kB/s":  {category: domain.CategoryNetwork},
	"MB/s":  {category: domain.CategoryNetwork},
	"GB":    {category: domain.CategoryNetwork, aggregation: domain.AggregationLast},
	"MB":    {category: domain.CategoryNetwork, aggregation: domain.AggregationLast},
	"A":     {category: domain.CategoryElectrical},
	"V":     {category: domain.CategoryElectrical},
	"lux":   {category: domain.CategoryLight},
	"ppm":   {category: domain.CategoryAirQuality},
	"µg/m³": {category: domain.CategoryAirQuality},
	"dB":    {category: domain.CategorySound},
	"rpm":   {category: domain.CategoryRotational},
}

// counterDomains hold monotonically increasing counts; their rollup is
// max rather than the category default.
var counterDomains = map[string]bool{
	"counter": true,
}

// Classifier filters and categorizes entities according to the configured
// allow-lists and exclusion patterns.
type Classifier struct {
	domains         map[string]bool
	units           map[string]bool
	specialSources  map[string]bool
	excludePatterns []string // lowercase globs
}

// New builds a Classifier from the filter configuration.
func New(cfg *config.FilterConfig) *Classifier {
	c := &Classifier{
		domains:        make(map[string]bool, len(cfg.Domains)),
		units:          make(map[string]bool, len(cfg.Units)),
		specialSources: make(map[string]bool, len(cfg.SpecialSources)),
	}
	for _, d := range cfg.Domains {
		c.domains[strings.ToLower(strings.TrimSpace(d))] = true
	}
	for _, u := range cfg.Units {
		c.units[strings.TrimSpace(u)] = true
	}
	for _, s := range cfg.SpecialSources {
		c.specialSources[strings.ToLower(strings.TrimSpace(s))] = true
	}
	for _, p := range cfg.ExcludePatterns {
		c.excludePatterns = append(c.excludePatterns, strings.ToLower(strings.TrimSpace(p)))
	}
	return c
}

// Classify returns the classification for a single entity. It is total:
// every descriptor yields a result, rejection being the default. Rules
// are evaluated in a fixed order so the outcome is deterministic.
func (c *Classifier) Classify(e domain.EntityDescriptor) domain.ClassificationResult {
	special := c.specialSources[strings.ToLower(e.Source)] || c.specialSources[strings.ToLower(e.Domain)]

	// 1. Domain allow-set. Special-source entities bypass it: external
	// statistics use "source:id" naming whose prefix is not a domain.
	if !special && !c.domains[strings.ToLower(e.Domain)] {
		return reject(domain.ReasonDomain)
	}

	// 2. Timestamp-only entities carry no numeric history.
	if e.StateClass == "timestamp" {
		return reject(domain.ReasonTimestampOnly)
	}

	// 3. Status/availability style entities are noise regardless of unit.
	if c.matchesExcludePattern(e.ExternalID) || c.matchesExcludePattern(e.FriendlyName) {
		return reject(domain.ReasonStatusPattern)
	}

	// 4. Special sources are accepted without a unit mapping.
	if special {
		return accept(domain.CategorySpecialSource, e.Domain)
	}

	// 5. Unit allow-list with the fixed unit→category mapping.
	if e.Unit != "" && c.units[e.Unit] {
		if rule, ok := unitRules[e.Unit]; ok {
			res := accept(rule.category, e.Domain)
			if rule.aggregation != "" {
				res.Aggregation = rule.aggregation
			}
			return res
		}
		// Allow-listed but unmapped units are still numeric data.
		return accept(domain.CategoryOtherNumeric, e.Domain)
	}

	return reject(domain.ReasonNoMatchingUnit)
}

func (c *Classifier) matchesExcludePattern(name string) bool {
	if name == "" {
		return false
	}
	lower := strings.ToLower(name)
	for _, pattern := range c.excludePatterns {
		if ok, err := path.Match(pattern, lower); err == nil && ok {
			return true
		}
	}
	return false
}

func accept(cat domain.Category, entityDomain string) domain.ClassificationResult {
	agg := cat.DefaultAggregation()
	if counterDomains[strings.ToLower(entityDomain)] {
		agg = domain.AggregationMax
	}
	return domain.ClassificationResult{
		Accepted:    true,
		Category:    cat,
		Aggregation: agg,
	}
}

func reject(reason domain.RejectReason) domain.ClassificationResult {
	return domain.ClassificationResult{
		Accepted:    false,
		Category:    domain.CategoryNone,
		Aggregation: domain.CategoryNone.DefaultAggregation(),
		Reason:      reason,
	}
}
