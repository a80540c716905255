package warden

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// GeoIPReader provides IP geolocation using a MaxMind GeoLite2 City database.
type GeoIPReader struct {
	db *geoip2.Reader
}

// NewGeoIPReader opens a MaxMind GeoLite2-City database.
func NewGeoIPReader(dbPath string) (*GeoIPReader, error) {
	if dbPath == "" {
		return nil, ErrGeoIPDatabaseNotConfigured
	}

	db, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("geoip: failed to open database: %w", err)
	}
	return &GeoIPReader{db: db}, nil
}

// Locate fills the city, country and coordinates of info from info.IP.
// info is left unchanged on error.
func (r *GeoIPReader) Locate(info *ClientInfo) error {
	if r == nil || r.db == nil {
		return ErrGeoIPDatabaseNotConfigured
	}

	parsed := net.ParseIP(info.IP)
	if parsed == nil {
		return fmt.Errorf("%w: %s", ErrInvalidIP, info.IP)
	}

	record, err := r.db.City(parsed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGeoIPLookupFailed, err)
	}

	info.City = englishName(record.City.Names)
	info.Country = englishName(record.Country.Names)
	info.Latitude = record.Location.Latitude
	info.Longitude = record.Location.Longitude
	return nil
}

// Close closes the GeoIP database.
func (r *GeoIPReader) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// englishName prefers the English name, falling back to any available one.
func englishName(names map[string]string) string {
	if name, ok := names["en"]; ok {
		return name
	}
	for _, name := range names {
		return name
	}
	return ""
}
