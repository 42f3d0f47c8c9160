// Copyright (C) 2025 The FamilyVault Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package sqlite

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // register sqlite3 database driver
)

const dbDriver = "sqlite3"

var commonPragmas = []string{
	"journal_mode = WAL",
	"foreign_keys = 1",
	"busy_timeout = 10000",
	"synchronous = NORMAL",
}

// baseDB owns the sqlx handle, the prepared statement cache, and the
// single update lock that serializes writers.
type baseDB struct {
	path string
	sql  *sqlx.DB

	updateLock sync.Mutex

	statementsMut sync.RWMutex
	statements    map[string]*sqlx.Stmt
}

func openBase(path string, maxConns int) (*baseDB, error) {
	sqlDB, err := sqlx.Open(dbDriver, path)
	if err != nil {
		return nil, wrap(err)
	}
	sqlDB.SetMaxOpenConns(maxConns)

	for _, pragma := range commonPragmas {
		if _, err := sqlDB.Exec("PRAGMA " + pragma); err != nil {
			_ = sqlDB.Close()
			return nil, wrap(err, "PRAGMA "+pragma)
		}
	}

	return &baseDB{
		path:       path,
		sql:        sqlDB,
		statements: make(map[string]*sqlx.Stmt),
	}, nil
}

func (s *baseDB) Close() error {
	s.updateLock.Lock()
	s.statementsMut.Lock()
	defer s.updateLock.Unlock()
	defer s.statementsMut.Unlock()
	for _, stmt := range s.statements {
		_ = stmt.Close()
	}
	return wrap(s.sql.Close())
}

// stmt returns a prepared statement for the given SQL string. The
// statement is cached.
func (s *baseDB) stmt(tpl string) *sqlx.Stmt {
	tpl = strings.TrimSpace(tpl)

	// Fast concurrent lookup of cached statement
	s.statementsMut.RLock()
	cached, ok := s.statements[tpl]
	s.statementsMut.RUnlock()
	if ok {
		return cached
	}

	// On miss, take the full lock, check again
	s.statementsMut.Lock()
	defer s.statementsMut.Unlock()
	cached, ok = s.statements[tpl]
	if ok {
		return cached
	}

	prepared, err := s.sql.Preparex(tpl)
	if err != nil {
		// A statement that fails to prepare is a programming error.
		panic(fmt.Sprintf("preparing %q: %v", tpl, err))
	}
	s.statements[tpl] = prepared
	return prepared
}

// wrap returns the error wrapped with the calling function name and
// optional extra context strings as prefix. A nil error wraps to nil.
func wrap(err error, context ...string) error {
	if err == nil {
		return nil
	}

	prefix := "error"
	pc, _, _, ok := runtime.Caller(1)
	details := runtime.FuncForPC(pc)
	if ok && details != nil {
		prefix = strings.ToLower(details.Name())
		if dotIdx := strings.LastIndex(prefix, "."); dotIdx > 0 {
			prefix = prefix[dotIdx+1:]
		}
	}

	if len(context) > 0 {
		for i := range context {
			context[i] = strings.TrimSpace(context[i])
		}
		extra := strings.Join(context, ", ")
		return fmt.Errorf("%s (%s): %w", prefix, extra, err)
	}

	return fmt.Errorf("%s: %w", prefix, err)
}
