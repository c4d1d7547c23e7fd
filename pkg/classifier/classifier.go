// Copyright 2023 - 2025 Moxa Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package classifier categorizes statements with keyword lookahead. It
// deliberately does not build a parse tree; ambiguity defaults to WRITE
// so that routing stays safe.
package classifier

import (
	"strings"

	"github.com/fagongzi/util/hack"
)

// Type is a bitmask describing a statement.
type Type uint32

const (
	TypeRead Type = 1 << iota
	TypeWrite
	TypeBeginTrx
	TypeCommit
	TypeRollback
	TypeEnableAutocommit
	TypeDisableAutocommit
	TypeSessionCommand
	TypeUnsafe
	TypeReadOnlyTrx
	TypeReadWriteTrx
	TypeKill
	TypeUseDB
	TypePrepare
	TypeDeallocate
	TypeSetSQLMode
)

// Has reports whether all bits of q are set.
func (t Type) Has(q Type) bool { return t&q == q }

// SQLMode is the session SQL dialect mode.
type SQLMode int

const (
	SQLModeDefault SQLMode = iota
	SQLModeOracle
)

// Result is the full classification of one COM_QUERY payload.
type Result struct {
	Type Type
	Hint *Hint
	Kill *KillSpec
	// TargetDB is set for USE statements.
	TargetDB string
	// SetSQLMode is the mode a SET sql_mode statement switches to.
	SetSQLMode SQLMode
}

// nextToken returns the next token starting at or after pos, skipping
// whitespace and comments, and the position following it.
func nextToken(sql string, pos int) (string, int) {
	n := len(sql)
	for pos < n {
		c := sql[pos]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == ';':
			pos++
		case c == '#':
			for pos < n && sql[pos] != '\n' {
				pos++
			}
		case c == '-' && pos+2 < n && sql[pos+1] == '-' && sql[pos+2] == ' ':
			for pos < n && sql[pos] != '\n' {
				pos++
			}
		case c == '/' && pos+1 < n && sql[pos+1] == '*':
			end := strings.Index(sql[pos+2:], "*/")
			if end == -1 {
				return "", n
			}
			pos += end + 4
		default:
			start := pos
			for pos < n && !isDelim(sql[pos]) {
				pos++
			}
			if pos == start {
				pos++
			}
			return sql[start:pos], pos
		}
	}
	return "", pos
}

func isDelim(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', ';', '(', ')', ',', '=', '@', '.':
		return true
	}
	return false
}

// eq is a case insensitive comparison against an upper case keyword.
func eq(token, upper string) bool {
	return strings.EqualFold(token, upper)
}

// Classify categorizes the statement in a raw COM_QUERY payload (without
// the command byte). For payloads split across max size packets only the
// first fragment must be passed.
func Classify(payload []byte, mode SQLMode) Result {
	sql := hack.SliceToString(payload)
	res := Result{}

	if h, ok := parseHint(sql); ok {
		res.Hint = h
	}

	tok, pos := nextToken(sql, 0)
	if tok == "" {
		res.Type = TypeRead
		return res
	}

	switch {
	case eq(tok, "SELECT"):
		res.Type = classifySelect(sql, pos)
	case eq(tok, "BEGIN"):
		res.Type = TypeBeginTrx
		if mode == SQLModeOracle {
			// BEGIN followed by a body opens a PL/SQL block; the bare
			// keyword (or BEGIN WORK) still starts a transaction.
			if next, _ := nextToken(sql, pos); next != "" && !eq(next, "WORK") && isOracleBlock(tok) {
				res.Type = TypeWrite
			}
		}
	case eq(tok, "START"):
		res.Type = classifyStartTransaction(sql, pos)
	case eq(tok, "COMMIT"):
		res.Type = TypeCommit
	case eq(tok, "ROLLBACK"):
		res.Type = TypeRollback
	case eq(tok, "SET"):
		classifySet(sql, pos, &res)
	case eq(tok, "USE"):
		db, _ := nextToken(sql, pos)
		res.Type = TypeSessionCommand | TypeUseDB
		res.TargetDB = strings.Trim(db, "`")
	case eq(tok, "KILL"):
		res.Type = TypeKill
		res.Kill = parseKill(sql, pos)
	case eq(tok, "PREPARE"):
		res.Type = TypeSessionCommand | TypePrepare
	case eq(tok, "DEALLOCATE"), eq(tok, "DROP") && isDropPrepare(sql, pos):
		res.Type = TypeSessionCommand | TypeDeallocate
	case eq(tok, "SHOW"), eq(tok, "DESCRIBE"), eq(tok, "DESC"), eq(tok, "EXPLAIN"),
		eq(tok, "HELP"), eq(tok, "CHECKSUM"):
		res.Type = TypeRead
	case eq(tok, "LOCK"), eq(tok, "UNLOCK"), eq(tok, "FLUSH"):
		// Statements that must see every backend and pin routing.
		res.Type = TypeSessionCommand | TypeUnsafe
	case eq(tok, "INSERT"), eq(tok, "UPDATE"), eq(tok, "DELETE"), eq(tok, "REPLACE"),
		eq(tok, "CREATE"), eq(tok, "DROP"), eq(tok, "ALTER"), eq(tok, "TRUNCATE"),
		eq(tok, "RENAME"), eq(tok, "GRANT"), eq(tok, "REVOKE"), eq(tok, "LOAD"),
		eq(tok, "CALL"), eq(tok, "OPTIMIZE"), eq(tok, "ANALYZE"), eq(tok, "REPAIR"):
		res.Type = TypeWrite
	case eq(tok, "XA"):
		res.Type = TypeWrite | TypeUnsafe
	case eq(tok, "HANDLER"):
		res.Type = TypeRead | TypeUnsafe
	case mode == SQLModeOracle && isOracleBlock(tok):
		// PL/SQL blocks execute on the master.
		res.Type = TypeWrite
	default:
		// Unknown leading keyword: default to WRITE for safety.
		res.Type = TypeWrite
	}
	return res
}

// isOracleBlock recognizes the start of an anonymous PL/SQL block.
func isOracleBlock(tok string) bool {
	return eq(tok, "DECLARE") || eq(tok, "BEGIN") || eq(tok, "CALL")
}

func isDropPrepare(sql string, pos int) bool {
	tok, _ := nextToken(sql, pos)
	return eq(tok, "PREPARE")
}

// classifySelect separates plain reads from locking and side effect
// carrying selects.
func classifySelect(sql string, pos int) Type {
	upper := strings.ToUpper(sql)
	switch {
	case strings.Contains(upper, "FOR UPDATE"),
		strings.Contains(upper, "LOCK IN SHARE MODE"),
		strings.Contains(upper, "FOR SHARE"):
		return TypeWrite
	case strings.Contains(upper, "INTO OUTFILE"),
		strings.Contains(upper, "INTO DUMPFILE"):
		return TypeWrite
	case strings.Contains(upper, "LAST_INSERT_ID"):
		// Must observe the master's value.
		return TypeWrite
	case strings.Contains(upper, "GET_LOCK"),
		strings.Contains(upper, "RELEASE_LOCK"),
		strings.Contains(upper, "MASTER_POS_WAIT"),
		strings.Contains(upper, "MASTER_GTID_WAIT"):
		return TypeWrite | TypeUnsafe
	}
	return TypeRead
}

// classifyStartTransaction handles START TRANSACTION [READ ONLY|READ WRITE].
func classifyStartTransaction(sql string, pos int) Type {
	tok, pos := nextToken(sql, pos)
	if !eq(tok, "TRANSACTION") {
		// START SLAVE and friends are admin writes.
		return TypeWrite
	}
	t := TypeBeginTrx
	tok, pos = nextToken(sql, pos)
	if eq(tok, "READ") {
		tok, _ = nextToken(sql, pos)
		if eq(tok, "ONLY") {
			t |= TypeReadOnlyTrx
		} else if eq(tok, "WRITE") {
			t |= TypeReadWriteTrx
		}
	}
	return t
}

// classifySet handles SET statements: autocommit toggles, sql_mode
// changes, and generic session commands.
func classifySet(sql string, pos int, res *Result) {
	res.Type = TypeSessionCommand
	upper := strings.ToUpper(sql)

	if idx := findAssign(upper, "AUTOCOMMIT"); idx >= 0 {
		value := valueAfterAssign(upper, idx)
		switch value {
		case "0", "OFF", "FALSE":
			res.Type |= TypeDisableAutocommit
		case "1", "ON", "TRUE":
			res.Type |= TypeEnableAutocommit
		}
	}
	if idx := findAssign(upper, "SQL_MODE"); idx >= 0 {
		res.Type |= TypeSetSQLMode
		if strings.Contains(upper[idx:], "ORACLE") {
			res.SetSQLMode = SQLModeOracle
		} else {
			res.SetSQLMode = SQLModeDefault
		}
	}
	// SET TRANSACTION READ ONLY applies to the next transaction only.
	tok, pos2 := nextToken(sql, pos)
	if eq(tok, "TRANSACTION") {
		rest := strings.ToUpper(sql[pos2:])
		if strings.Contains(rest, "READ ONLY") {
			res.Type |= TypeReadOnlyTrx
		} else if strings.Contains(rest, "READ WRITE") {
			res.Type |= TypeReadWriteTrx
		}
	}
}

// findAssign locates "NAME" used as an assignment target, tolerating the
// @@session. and @@ prefixes.
func findAssign(upper, name string) int {
	idx := 0
	for {
		i := strings.Index(upper[idx:], name)
		if i == -1 {
			return -1
		}
		i += idx
		rest := upper[i+len(name):]
		j := 0
		for j < len(rest) && (rest[j] == ' ' || rest[j] == '\t') {
			j++
		}
		if j < len(rest) && (rest[j] == '=' || rest[j] == ':') {
			return i
		}
		idx = i + len(name)
	}
}

func valueAfterAssign(upper string, idx int) string {
	i := strings.IndexByte(upper[idx:], '=')
	if i == -1 {
		return ""
	}
	value, _ := nextToken(upper, idx+i+1)
	return value
}
