// Package sink writes migrated statistics to InfluxDB 2.x over its HTTP
// API using line protocol.
package sink

import (
	"sort"
	"strconv"
	"strings"

	"github.com/homestats/hass2influx/internal/domain"
)

// Point is one time-series datum ready for the sink. Measurement and tag
// values are raw; escaping happens at encode time.
type Point struct {
	Measurement string
	Tags        map[string]string
	Value       float64
	Timestamp   int64 // unix seconds
}

// FromRecord builds the sink point for a validated record of the given
// entity. The unit becomes the measurement so that series with different
// units never collide; unitless entities group under "<domain>_data".
func FromRecord(rec domain.ValidatedRecord, e domain.EntityDescriptor, cat domain.Category) Point {
	measurement := e.Unit
	if measurement == "" {
		measurement = e.Domain + "_data"
	}

	tags := map[string]string{
		"entity_id": shortEntityID(e.ExternalID),
		"domain":    e.Domain,
		"category":  string(cat),
		"source":    "migration",
	}
	if e.Unit != "" {
		tags["unit"] = e.Unit
	}
	if e.FriendlyName != "" {
		tags["friendly_name"] = e.FriendlyName
	}
	if e.DeviceClass != "" {
		tags["device_class"] = e.DeviceClass
	}

	return Point{
		Measurement: measurement,
		Tags:        tags,
		Value:       rec.Value,
		Timestamp:   rec.Timestamp,
	}
}

// shortEntityID strips the domain prefix: "sensor.kitchen_power" tags as
// "kitchen_power". The domain is already its own tag.
func shortEntityID(externalID string) string {
	if i := strings.IndexAny(externalID, ".:"); i >= 0 {
		return externalID[i+1:]
	}
	return externalID
}

// LineProtocol encodes the point as a single line-protocol record with
// second precision and a single field "value". Tags are emitted in sorted
// key order so identical points always encode identically.
func (p Point) LineProtocol() string {
	var sb strings.Builder
	sb.WriteString(escapeMeasurement(p.Measurement))

	keys := make([]string, 0, len(p.Tags))
	for k := range p.Tags {
		if p.Tags[k] != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteByte(',')
		sb.WriteString(escapeTag(k))
		sb.WriteByte('=')
		sb.WriteString(escapeTag(p.Tags[k]))
	}

	sb.WriteString(" value=")
	sb.WriteString(strconv.FormatFloat(p.Value, 'g', -1, 64))
	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatInt(p.Timestamp, 10))
	return sb.String()
}

// EncodeBatch joins points into one write body.
func EncodeBatch(points []Point) string {
	lines := make([]string, 0, len(points))
	for _, p := range points {
		lines = append(lines, p.LineProtocol())
	}
	return strings.Join(lines, "\n")
}

var measurementEscaper = strings.NewReplacer(",", `\,`, " ", `\ `)

var tagEscaper = strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `)

func escapeMeasurement(s string) string {
	return measurementEscaper.Replace(s)
}

func escapeTag(s string) string {
	return tagEscaper.Replace(s)
}
