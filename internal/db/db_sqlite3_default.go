//go:build !sqlite3_cgo

package db

import (
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// pure Go (wasm) build, no cgo toolchain needed
var driver = struct{ name, module string }{"sqlite3", "ncruces/go-sqlite3"}
