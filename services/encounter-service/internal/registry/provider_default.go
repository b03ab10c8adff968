//go:build !protogen

package registry

import "log/slog"

func NewProvider(_ *slog.Logger, httpURL, _ string) Provider {
	return newHTTPProvider(httpURL)
}
