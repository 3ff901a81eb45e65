// Copyright (c) 2024 The zingolib developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"github.com/btcsuite/btclog"

	"github.com/dorianvp/zingolib/wkeymgr"
	"github.com/dorianvp/zingolib/wtxmgr"
)

// log is a logger that is initialized with no output filters.  This means
// the package will not perform any logging by default until the caller
// requests it.
var log btclog.Logger

// The default amount of logging is none.
func init() {
	DisableLog()
}

// DisableLog disables all library log output.  Logging output is disabled
// by default until UseLogger is called.
func DisableLog() {
	log = btclog.Disabled
	wkeymgr.DisableLog()
	wtxmgr.DisableLog()
}

// UseLogger uses a specified Logger to output package logging info.  The
// logger is also propagated to the key and transaction stores.
func UseLogger(logger btclog.Logger) {
	log = logger
	wkeymgr.UseLogger(logger)
	wtxmgr.UseLogger(logger)
}
