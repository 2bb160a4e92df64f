// Package vbox runs the VirtualBox control utility.
//
// Every call spawns one VBoxManage process, captures stdout, and turns a
// non-zero exit into an *ExternalToolError carrying stderr. Nothing here
// retries; callers decide which failures are tolerable (see IsAlreadyExists).
package vbox
