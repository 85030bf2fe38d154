// Package server implements the multi-user FTP server: the listener and
// session dispatcher, the command loop, the upload/download transfer
// engine with credit accounting, and the SITE administrative verbs.
//
// One goroutine serves each control connection; out-of-band actions
// (kicks, config reload, shutdown) are tasks executed only on the
// dispatcher goroutine against the live session list.
package server
