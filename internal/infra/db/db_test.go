package db

import (
	"net/url"
	"testing"

	"github.com/gocql/gocql"

	"github.com/acme/failover-dialer/internal/config"
)

func TestDSNEscapesCredentials(t *testing.T) {
	got := dsn(config.PostgresConfig{
		Host:     "db.internal",
		Port:     5432,
		User:     "dialer",
		Password: "p@ss/word",
		Database: "dialer",
		SSLMode:  "disable",
	}, "failover-dialer")

	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("dsn did not parse: %v", err)
	}
	if pw, _ := u.User.Password(); pw != "p@ss/word" {
		t.Fatalf("password not preserved: %q", pw)
	}
	if u.Host != "db.internal:5432" || u.Path != "/dialer" {
		t.Fatalf("unexpected dsn %s", got)
	}
	if u.Query().Get("application_name") != "failover-dialer" || u.Query().Get("sslmode") != "disable" {
		t.Fatalf("unexpected query %s", u.RawQuery)
	}
}

func TestParseConsistency(t *testing.T) {
	cases := map[string]gocql.Consistency{
		"one":          gocql.One,
		"LOCAL_QUORUM": gocql.LocalQuorum,
		"local_one":    gocql.LocalOne,
		"":             gocql.Quorum,
	}
	for in, want := range cases {
		if got := parseConsistency(in); got != want {
			t.Fatalf("parseConsistency(%q) = %v, want %v", in, got, want)
		}
	}
}
