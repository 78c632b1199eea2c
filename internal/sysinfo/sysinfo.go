// Package sysinfo provides cross-platform access to host system information
// for the status report.
package sysinfo
