// Package iocp binds handles to one process-wide I/O completion port and
// delivers their completions on a pool of worker goroutines.
//
// An Association is shared by everything issuing overlapped I/O on the same
// handle. It is reference counted; when the last reference goes away the
// handle is closed and the completion key stays registered until every
// outstanding operation has reported back.
package iocp
