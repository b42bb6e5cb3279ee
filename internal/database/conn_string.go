package database

import (
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/rickgao/realtime-core/internal/config"
)

// BuildConnString builds a PostgreSQL URL from config. Credentials are
// escaped as URL user info and optional settings become query parameters.
func BuildConnString(cfg config.DBConfig) string {
	q := url.Values{}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}
	q.Set("sslmode", sslMode)
	if cfg.ApplicationName != "" {
		q.Set("application_name", cfg.ApplicationName)
	}
	if cfg.ConnectTimeout > 0 {
		// libpq takes whole seconds
		secs := (cfg.ConnectTimeout + time.Second - 1) / time.Second
		q.Set("connect_timeout", strconv.Itoa(int(secs)))
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}
