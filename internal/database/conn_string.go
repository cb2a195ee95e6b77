package database

import (
	"net"
	"net/url"
	"strconv"

	"github.com/rickgao/tripsync/internal/config"
)

// ApplicationName tags journal sessions in pg_stat_activity.
const ApplicationName = "tripsync-journal"

// BuildConnString builds a PostgreSQL URL from config. User and password
// are escaped so special characters survive.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("application_name", ApplicationName)

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}
