package storage

import (
	"strconv"
	"strings"
)

type dialect struct {
	name       string
	migrations string
	// numbered rewrites "?" placeholders to "$1..$n".
	numbered bool
	// lockPoll is appended to the poll lookup inside a vote toggle.
	lockPoll string
}

var (
	sqliteDialect   = dialect{name: "sqlite", migrations: "migrations/sqlite.sql"}
	postgresDialect = dialect{name: "postgres", migrations: "migrations/postgres.sql", numbered: true, lockPoll: " FOR UPDATE"}
)

func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
