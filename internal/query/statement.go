// Package query prepares and executes the small statement language spoken by
// the native transport, and re-prepares persisted statements at startup.
package query

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrSyntax is returned for statements that do not parse.
	ErrSyntax = errors.New("syntax error")
	// ErrUnknownStatement is returned when executing an id that was never prepared.
	ErrUnknownStatement = errors.New("unknown prepared statement")
)

// statementNamespace scopes statement ids so the same text always maps to the
// same id across nodes and restarts.
var statementNamespace = uuid.MustParse("6ba7b812-9dad-11d1-80b4-00c04fd430c8")

// Op is the kind of a statement.
type Op int

const (
	OpSelect Op = iota
	OpInsert
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpSelect:
		return "SELECT"
	case OpInsert:
		return "INSERT"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Statement is a parsed statement bound to one table.
type Statement struct {
	ID       string
	Query    string
	Op       Op
	Keyspace string
	Table    string
}

// StatementID returns the id a query is prepared under.
func StatementID(query string) string {
	return uuid.NewSHA1(statementNamespace, []byte(normalize(query))).String()
}

// Parse reads one of
//
//	SELECT FROM ks.table
//	INSERT INTO ks.table
//	DELETE FROM ks.table
//
// Keywords are case-insensitive; the key and value are bound at execution.
func Parse(query string) (*Statement, error) {
	fields := strings.Fields(query)
	if len(fields) != 3 {
		return nil, fmt.Errorf("%w: expected 3 words in %q", ErrSyntax, query)
	}

	var op Op
	verb, prep := strings.ToUpper(fields[0]), strings.ToUpper(fields[1])
	switch {
	case verb == "SELECT" && prep == "FROM":
		op = OpSelect
	case verb == "INSERT" && prep == "INTO":
		op = OpInsert
	case verb == "DELETE" && prep == "FROM":
		op = OpDelete
	default:
		return nil, fmt.Errorf("%w: unsupported statement %q", ErrSyntax, query)
	}

	ks, table, ok := strings.Cut(fields[2], ".")
	if !ok || ks == "" || table == "" {
		return nil, fmt.Errorf("%w: table must be keyspace.table, got %q", ErrSyntax, fields[2])
	}

	return &Statement{
		ID:       StatementID(query),
		Query:    normalize(query),
		Op:       op,
		Keyspace: ks,
		Table:    table,
	}, nil
}

func normalize(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
