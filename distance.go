package warden

import "math"

const earthRadiusKM = 6371.0

// HaversineDistance returns the great-circle distance in kilometers between
// two coordinates.
func HaversineDistance(lat1, lng1, lat2, lng2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLng/2)*math.Sin(dLng/2)

	return earthRadiusKM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func (c ClientInfo) hasCoordinates() bool {
	return c.Latitude != 0 || c.Longitude != 0
}

// IsNewLocation reports whether curr is more than thresholdKM away from
// prev. Without coordinates on both sides it compares city and country.
func IsNewLocation(prev, curr ClientInfo, thresholdKM float64) bool {
	if !prev.hasCoordinates() || !curr.hasCoordinates() {
		return prev.City != curr.City || prev.Country != curr.Country
	}
	return HaversineDistance(prev.Latitude, prev.Longitude, curr.Latitude, curr.Longitude) > thresholdKM
}
