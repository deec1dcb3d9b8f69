// Package reactor provides the readiness multiplexer and the cooperative
// event loop that drive overlapped I/O on Windows handles.
//
// Wait blocks on any number of waitable handles, optionally together with the
// calling thread's message queue. It hides the 64-object limit of
// WaitForMultipleObjects by fanning larger sets out over helper goroutines.
//
// Loop is a single-goroutine reactor built on Wait: handle sources, cross
// goroutine invocations and idle callbacks are all dispatched on the goroutine
// that runs the loop.
package reactor
