package master

import (
	"net"

	"github.com/oschwald/geoip2-golang"
)

// GeoIP derives a region hint from a registering server's source IP. The
// hint only seeds fresh registrations; a server's own declared region
// mask always overrides it.
type GeoIP struct {
	db *geoip2.Reader
}

// OpenGeoIP opens a MaxMind database. Returns nil (and no error) for an
// empty path so callers can treat the provider as optional.
func OpenGeoIP(path string) (*GeoIP, error) {
	if path == "" {
		return nil, nil
	}
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &GeoIP{db: db}, nil
}

// Close closes the underlying reader.
func (g *GeoIP) Close() error {
	if g == nil {
		return nil
	}
	return g.db.Close()
}

// continent-to-region bit assignments; one bit per continent keeps the
// hint compatible with the wire's region mask.
var continentRegions = map[string]uint32{
	"NA": 1 << 0,
	"SA": 1 << 1,
	"EU": 1 << 2,
	"AF": 1 << 3,
	"AS": 1 << 4,
	"OC": 1 << 5,
}

// RegionHint maps an IP to a region bit, or 0 when unknown.
func (g *GeoIP) RegionHint(ipStr string) uint32 {
	if g == nil {
		return 0
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return 0
	}
	record, err := g.db.Country(ip)
	if err != nil {
		return 0
	}
	return continentRegions[record.Continent.Code]
}
