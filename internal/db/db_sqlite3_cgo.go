//go:build cgo && sqlite3_cgo

package db

import _ "github.com/mattn/go-sqlite3"

var driver = struct{ name, module string }{"sqlite3", "mattn/go-sqlite3"}
