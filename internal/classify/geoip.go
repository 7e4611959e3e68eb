package classify

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"

	"github.com/netsentry/netsentry/internal/model"
)

// GeoResolver fills missing country codes from a MaxMind database. It is
// optional; a nil resolver leaves events untouched.
type GeoResolver struct {
	reader *geoip2.Reader
}

// OpenGeoResolver opens the MaxMind city/country database at path.
func OpenGeoResolver(path string) (*GeoResolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database: %w", err)
	}
	return &GeoResolver{reader: reader}, nil
}

// Close releases the database.
func (g *GeoResolver) Close() error {
	if g == nil || g.reader == nil {
		return nil
	}
	return g.reader.Close()
}

// Enrich sets the event's country codes from its IPs when absent. Runs in
// the ingestion stage that owns the event, before it enters the pipeline.
func (g *GeoResolver) Enrich(e *model.Event) {
	if g == nil || g.reader == nil {
		return
	}
	if e.SourceCountry == "" && e.SourceIP != "" {
		e.SourceCountry = g.lookup(e.SourceIP)
	}
	if e.DestCountry == "" && e.DestinationIP != "" {
		e.DestCountry = g.lookup(e.DestinationIP)
	}
}

func (g *GeoResolver) lookup(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	record, err := g.reader.Country(parsed)
	if err != nil {
		return ""
	}
	return record.Country.IsoCode
}
