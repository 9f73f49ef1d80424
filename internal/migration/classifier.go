package migration

import (
	"fmt"
	"regexp"
	"strings"
)

// ErrorCategory is the vendor-neutral meaning of a failed statement's error.
type ErrorCategory int

const (
	CategoryUnknown ErrorCategory = iota
	CategoryDuplicateObject
	CategoryDuplicateRow
	CategoryMissingTable
	CategoryMissingColumn
	CategoryMissingDropTarget
	CategoryForeignKeyTarget
	CategoryUnknownPreparedStatement
	CategoryWrongObjectType
	CategoryCollationMismatch
	CategorySyntax
	CategoryConstraint
	CategoryConnection
)

var categoryNames = map[ErrorCategory]string{
	CategoryUnknown:                  "unknown",
	CategoryDuplicateObject:          "duplicate_object",
	CategoryDuplicateRow:             "duplicate_row",
	CategoryMissingTable:             "missing_table",
	CategoryMissingColumn:            "missing_column",
	CategoryMissingDropTarget:        "missing_drop_target",
	CategoryForeignKeyTarget:         "foreign_key_target",
	CategoryUnknownPreparedStatement: "unknown_prepared_statement",
	CategoryWrongObjectType:          "wrong_object_type",
	CategoryCollationMismatch:        "collation_mismatch",
	CategorySyntax:                   "syntax",
	CategoryConstraint:               "constraint",
	CategoryConnection:               "connection",
}

func (c ErrorCategory) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Action is what the executor does with a failed statement.
type Action int

const (
	// ActionFatal rolls the migration back.
	ActionFatal Action = iota
	// ActionIgnore continues; the intended end state already holds.
	ActionIgnore
	// ActionRetry re-executes the transformed statement once.
	ActionRetry
	// ActionSkip continues with a warning; the statement depends on schema
	// that does not exist in this database.
	ActionSkip
)

func (a Action) String() string {
	switch a {
	case ActionFatal:
		return "fatal"
	case ActionIgnore:
		return "ignore"
	case ActionRetry:
		return "retry"
	case ActionSkip:
		return "skip"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Classification is the decision for one (statement, error) pair.
type Classification struct {
	Action    Action
	Transform func(string) string // set for ActionRetry
	Reason    string
}

type statementKind int

const (
	kindOther statementKind = iota
	kindCreateTable
	kindCreateIndex
	kindCreateView
	kindAlterTable
	kindDrop
	kindInsert
	kindUpdate
	kindSelect
	kindPrepare
	kindExecute
	kindDeallocate
	kindSetVariable
)

var (
	leadingComments = regexp.MustCompile(`(?s)^(\s+|/\*[^!+].*?\*/)+`)
	createTableRe   = regexp.MustCompile(`(?is)^create\s+(?:temporary\s+)?table\b`)
	createIndexRe   = regexp.MustCompile(`(?is)^create\s+(?:unique\s+|fulltext\s+|spatial\s+)?index\b`)
	createViewRe    = regexp.MustCompile(`(?is)^create\s+(?:or\s+replace\s+)?(?:algorithm\s*=\s*\w+\s+)?(?:definer\s*=\s*\S+\s+)?(?:sql\s+security\s+\w+\s+)?view\b`)
	alterTableRe    = regexp.MustCompile(`(?is)^alter\s+(?:online\s+|ignore\s+)?table\b`)
	dropRe          = regexp.MustCompile(`(?is)^drop\b`)
	insertRe        = regexp.MustCompile(`(?is)^(?:insert|replace)\b`)
	updateRe        = regexp.MustCompile(`(?is)^update\b`)
	selectRe        = regexp.MustCompile(`(?is)^(?:select|with)\b`)
	prepareRe       = regexp.MustCompile(`(?is)^prepare\b`)
	executeRe       = regexp.MustCompile(`(?is)^execute\b`)
	deallocateRe    = regexp.MustCompile(`(?is)^(?:deallocate|drop)\s+prepare\b`)
	setVariableRe   = regexp.MustCompile(`(?is)^set\s+@`)

	referencesRe   = regexp.MustCompile(`(?i)\breferences\b`)
	alterAddIndex  = regexp.MustCompile(`(?i)\badd\s+(?:constraint\s+\S+\s+)?(?:unique\s+|fulltext\s+|spatial\s+)?(?:index|key|unique)\b`)
	alterMutations = regexp.MustCompile(`(?i)\b(?:add|modify|change|rename|alter\s+column)\b`)
	alterDrop      = regexp.MustCompile(`(?i)\bdrop\b`)
)

func kindOf(stmt string) statementKind {
	s := leadingComments.ReplaceAllString(stmt, "")
	switch {
	case createTableRe.MatchString(s):
		return kindCreateTable
	case createIndexRe.MatchString(s):
		return kindCreateIndex
	case createViewRe.MatchString(s):
		return kindCreateView
	case alterTableRe.MatchString(s):
		return kindAlterTable
	case deallocateRe.MatchString(s):
		return kindDeallocate
	case dropRe.MatchString(s):
		return kindDrop
	case insertRe.MatchString(s):
		return kindInsert
	case updateRe.MatchString(s):
		return kindUpdate
	case selectRe.MatchString(s):
		return kindSelect
	case prepareRe.MatchString(s):
		return kindPrepare
	case executeRe.MatchString(s):
		return kindExecute
	case setVariableRe.MatchString(s):
		return kindSetVariable
	}
	return kindOther
}

func fatal(reason string) Classification {
	return Classification{Action: ActionFatal, Reason: reason}
}

func ignore(reason string) Classification {
	return Classification{Action: ActionIgnore, Reason: reason}
}

func skip(reason string) Classification {
	return Classification{Action: ActionSkip, Reason: reason}
}

// Classify decides how the executor treats stmt failing with an error of
// category cat. It depends on nothing but its arguments.
func Classify(stmt string, cat ErrorCategory) Classification {
	kind := kindOf(stmt)

	switch cat {
	case CategoryDuplicateObject:
		return ignore("object already exists")

	case CategoryDuplicateRow:
		if kind == kindInsert {
			return ignore("row already present")
		}

	case CategoryMissingDropTarget:
		if kind == kindDrop || isDropOnlyAlter(kind, stmt) {
			return ignore("drop target already absent")
		}

	case CategoryForeignKeyTarget:
		switch kind {
		case kindCreateTable:
			return Classification{Action: ActionRetry, Transform: StripForeignKeys, Reason: "foreign key target unusable; retrying without foreign keys"}
		case kindAlterTable:
			return skip("foreign key target unusable")
		}

	case CategoryMissingTable, CategoryMissingColumn:
		if kind == kindDrop || isDropOnlyAlter(kind, stmt) {
			return ignore("drop target already absent")
		}
		if cat == CategoryMissingTable && kind == kindCreateTable && referencesRe.MatchString(stmt) {
			return Classification{Action: ActionRetry, Transform: StripForeignKeys, Reason: "referenced table missing; retrying without foreign keys"}
		}
		switch kind {
		case kindCreateIndex, kindUpdate, kindPrepare, kindExecute, kindDeallocate, kindSetVariable:
			return skip("depends on schema absent from this database")
		case kindAlterTable:
			if alterAddIndex.MatchString(stmt) {
				return skip("index references schema absent from this database")
			}
		case kindSelect:
			if cat == CategoryMissingColumn {
				return skip("query references a column absent from this database")
			}
		}

	case CategoryUnknownPreparedStatement:
		if kind == kindExecute || kind == kindDeallocate {
			return skip("prepared statement was never created")
		}

	case CategoryCollationMismatch:
		if kind == kindCreateView {
			return skip("view collation mismatch")
		}

	case CategoryWrongObjectType:
		if kind == kindAlterTable {
			return skip("target is not a base table")
		}
	}

	return fatal(cat.String())
}

// isDropOnlyAlter reports whether an ALTER TABLE only removes things. Multiple
// actions where one is a DROP and another a mutation are not absorbed.
func isDropOnlyAlter(kind statementKind, stmt string) bool {
	if kind != kindAlterTable {
		return false
	}
	_, body, ok := cutTableName(stmt)
	if !ok {
		return false
	}
	return alterDrop.MatchString(body) && !alterMutations.MatchString(body)
}

// cutTableName splits "ALTER TABLE name rest" after the table name.
func cutTableName(stmt string) (string, string, bool) {
	s := strings.TrimSpace(leadingComments.ReplaceAllString(stmt, ""))
	loc := alterTableRe.FindStringIndex(s)
	if loc == nil {
		return "", "", false
	}
	rest := strings.TrimLeft(s[loc[1]:], " \t\r\n")
	end := strings.IndexAny(rest, " \t\r\n")
	if end < 0 {
		return rest, "", true
	}
	return rest[:end], rest[end:], true
}

var (
	foreignKeyElement = regexp.MustCompile(`(?is)^\s*(?:constraint\s+(?:` + "`[^`]*`" + `|"[^"]*"|\S+)\s+)?foreign\s+key\b`)
	inlineReferences  = regexp.MustCompile(`(?is)\s+references\s+(?:` + "`[^`]*`" + `|"[^"]*"|[\w.$]+)(?:\s*\([^)]*\))?` +
		`(?:\s+(?:match\s+(?:full|partial|simple)|on\s+(?:delete|update)\s+(?:set\s+null|set\s+default|no\s+action|cascade|restrict)|(?:not\s+)?deferrable|initially\s+(?:deferred|immediate)))*`)
)

// StripForeignKeys removes FOREIGN KEY table constraints and inline
// REFERENCES clauses from a CREATE TABLE statement. The rest of each column
// definition is kept. A statement without any is
// returned unchanged.
func StripForeignKeys(stmt string) string {
	open := strings.IndexByte(stmt, '(')
	closeIdx := matchingParen(stmt, open)
	if open < 0 || closeIdx < 0 {
		return stmt
	}

	elements := splitTopLevel(stmt[open+1 : closeIdx])
	kept := make([]string, 0, len(elements))
	changed := false
	for _, el := range elements {
		if foreignKeyElement.MatchString(el) {
			changed = true
			continue
		}
		if loc := referencesLocation(el); loc != nil {
			el = el[:loc[0]] + el[loc[1]:]
			changed = true
		}
		kept = append(kept, el)
	}
	if !changed {
		return stmt
	}
	return stmt[:open+1] + strings.Join(kept, ",") + stmt[closeIdx:]
}

// referencesLocation finds an inline REFERENCES clause outside quotes along
// with its MATCH, ON DELETE/UPDATE and DEFERRABLE modifiers. Column options
// after the clause are not part of it.
func referencesLocation(el string) []int {
	loc := inlineReferences.FindStringIndex(el)
	if loc == nil {
		return nil
	}
	var quote byte
	for i := 0; i < loc[0]; i++ {
		switch c := el[i]; {
		case quote != 0 && c == quote:
			quote = 0
		case quote == 0 && (c == '\'' || c == '"' || c == '`'):
			quote = c
		}
	}
	if quote != 0 {
		return nil
	}
	return loc
}

// matchingParen returns the index of the parenthesis closing the one at open.
func matchingParen(s string, open int) int {
	if open < 0 {
		return -1
	}
	depth := 0
	var quote byte
	for i := open; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// splitTopLevel splits a column list at commas not nested in parentheses or
// quotes.
func splitTopLevel(s string) []string {
	var parts []string
	depth, start := 0, 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}
