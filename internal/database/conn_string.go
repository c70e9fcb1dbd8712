package database

import (
	"net/url"
	"strconv"

	"github.com/rickgao/marketstream/internal/config"
)

// BuildConnString builds a PostgreSQL connection URL from config. appName,
// when set, is reported to the server as application_name.
func BuildConnString(cfg config.DBConfig, appName string) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	if appName != "" {
		q.Set("application_name", appName)
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}
