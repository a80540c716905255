package warden

import "errors"

var (
	// ErrNoBackend is returned by NewRepository when no storage backend is given.
	ErrNoBackend = errors.New("warden: no session backend configured")

	// ErrInvalidAccessTime is returned when a session's last accessed time
	// would move before its creation time.
	ErrInvalidAccessTime = errors.New("warden: last accessed time before creation time")

	// ErrUnsupportedType is returned when an attribute value has a type the
	// codec cannot serialize.
	ErrUnsupportedType = errors.New("warden: unsupported attribute type")

	// ErrUnknownType is returned when a stored attribute carries a type tag
	// the codec does not know.
	ErrUnknownType = errors.New("warden: unknown attribute type")

	// ErrInvalidFlushMode is returned when parsing an unknown flush mode.
	ErrInvalidFlushMode = errors.New("warden: invalid flush mode")

	// ErrGeoIPDatabaseNotConfigured is returned when GeoIP lookup is attempted
	// without configuring the GeoIP database path.
	ErrGeoIPDatabaseNotConfigured = errors.New("warden: GeoIP database path not configured")

	// ErrGeoIPLookupFailed is returned when IP geolocation lookup fails.
	ErrGeoIPLookupFailed = errors.New("warden: GeoIP lookup failed")

	// ErrInvalidIP is returned when an invalid IP address is provided.
	ErrInvalidIP = errors.New("warden: invalid IP address")
)
