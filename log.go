package warden

import "log/slog"

// errorAttr returns an "error" attribute, or an empty one for nil so it
// drops out of the record.
func errorAttr(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}

func sessionAttr(id string) slog.Attr {
	return slog.String("session_id", id)
}
