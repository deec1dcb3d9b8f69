//go:build windows

package reactor

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/windows"
)

// Infinite makes Wait block until something becomes ready.
const Infinite time.Duration = -1

// Condition is a readiness bit mask.
type Condition uint16

// Conditions understood by Wait. A signalled handle reports all of the
// conditions it was registered with.
const (
	ConditionIn  Condition = 0x01
	ConditionOut Condition = 0x04
	ConditionErr Condition = 0x08
	ConditionHup Condition = 0x10
)

// Entry is one handle to wait for.
type Entry struct {
	Handle  windows.Handle
	Events  Condition
	Revents Condition
}

// MessageSource asks Wait to also return when the calling thread's message
// queue has input. Ready is set when it did.
type MessageSource struct {
	Ready bool
}

// Wait blocks until at least one entry is signalled, msg (when not nil) has
// input, or timeout elapses, and returns the number of ready things.
// Revents of every entry is rewritten. Entries with no Events or no handle
// are ignored.
//
// When several things are watched, a zero-timeout probe runs first so that
// everything already ready is reported at once; the blocking wait that may
// follow reports a single entry. Sets larger than the per-call object limit
// are partitioned over helper goroutines.
//
// On failure every Revents is cleared and the error is returned.
func Wait(entries []Entry, timeout time.Duration, msg *MessageSource) (int, error) {
	if msg != nil {
		msg.Ready = false
	}

	handles := make([]windows.Handle, 0, len(entries))
	index := make([]int, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		e.Revents = 0
		if e.Events == 0 || e.Handle == 0 || e.Handle == windows.InvalidHandle {
			continue
		}
		handles = append(handles, e.Handle)
		index = append(index, i)
	}

	ms := milliseconds(timeout)
	limit := maximumWaitObjects
	if msg != nil {
		limit--
	}

	var (
		n   int
		err error
	)
	switch {
	case len(handles) > limit:
		n, err = fanOut(entries, handles, index, ms, msg)
	case len(handles) > 1 || (len(handles) > 0 && msg != nil):
		n, err = pollRest(entries, msg, handles, index, 0)
		if err == nil && n == 0 && ms != 0 {
			n, err = pollRest(entries, msg, handles, index, ms)
		}
	default:
		n, err = pollRest(entries, msg, handles, index, ms)
	}

	if err != nil {
		for i := range entries {
			entries[i].Revents = 0
		}
		if msg != nil {
			msg.Ready = false
		}
		return 0, err
	}
	return n, nil
}

func milliseconds(d time.Duration) uint32 {
	if d < 0 {
		return windows.INFINITE
	}
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		ms = 1
	}
	if ms >= int64(windows.INFINITE) {
		ms = int64(windows.INFINITE) - 1
	}
	return uint32(ms)
}

// pollRest performs one wait over handles. With a zero timeout it keeps
// probing the handles after the first ready one so every ready entry is
// marked.
func pollRest(entries []Entry, msg *MessageSource, handles []windows.Handle, index []int, ms uint32) (int, error) {
	var (
		ready uint32
		err   error
	)

	switch {
	case msg != nil:
		ready, err = msgWaitForMultipleObjectsEx(handles, ms, qsAllInput, mwmoAlertable)
		if err != nil {
			return 0, fmt.Errorf("MsgWaitForMultipleObjectsEx(%d handles): %w", len(handles), err)
		}
	case len(handles) == 0:
		// Waiting on our own process handle is a sleep that never wakes early.
		if _, err = windows.WaitForSingleObject(windows.CurrentProcess(), ms); err != nil {
			return 0, fmt.Errorf("WaitForSingleObject(process): %w", err)
		}
		ready = waitTimeout
	default:
		ready, err = windows.WaitForMultipleObjects(handles, false, ms)
		if err != nil {
			return 0, fmt.Errorf("WaitForMultipleObjects(%d handles): %w", len(handles), err)
		}
	}

	n := uint32(len(handles))
	switch {
	case ready == waitTimeout || ready == waitIOCompletion:
		return 0, nil

	case msg != nil && ready == waitObject0+n:
		msg.Ready = true
		// A blocking wait or a message-only wait is satisfied by the message
		// alone; a probe goes on to collect ready handles.
		if ms != 0 || n == 0 {
			return 1, nil
		}
		rest, err := pollRest(entries, nil, handles, index, 0)
		if err != nil {
			return 0, err
		}
		return 1 + rest, nil

	case ready < waitObject0+n, ready >= waitAbandoned0 && ready < waitAbandoned0+n:
		i := ready - waitObject0
		if ready >= waitAbandoned0 {
			i = ready - waitAbandoned0
		}
		e := &entries[index[i]]
		e.Revents = e.Events

		if ms == 0 && i+1 < n {
			rest, err := pollRest(entries, nil, handles[i+1:], index[i+1:], 0)
			if err != nil {
				return 0, err
			}
			return 1 + rest, nil
		}
		return 1, nil
	}

	return 0, nil
}

type partitionResult struct {
	n   int
	err error
}

// fanOut waits for more handles than a single wait call accepts. Every
// partition waits on its handles plus a shared stop event; whoever sees
// readiness first sets stop so the others return promptly.
func fanOut(entries []Entry, handles []windows.Handle, index []int, ms uint32, msg *MessageSource) (int, error) {
	stop, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return 0, fmt.Errorf("create stop event: %w", err)
	}
	defer windows.CloseHandle(stop)

	per := maximumWaitObjects - 1
	parts := (len(handles) + per - 1) / per
	results := make([]partitionResult, parts)

	var wg sync.WaitGroup
	for p := 0; p < parts; p++ {
		lo := p * per
		hi := min(lo+per, len(handles))

		wg.Add(1)
		go func(p int, hs []windows.Handle, idx []int) {
			defer wg.Done()
			n, err := waitPartition(entries, stop, hs, idx, ms)
			results[p] = partitionResult{n: n, err: err}
			if n > 0 || err != nil {
				_ = windows.SetEvent(stop)
			}
		}(p, handles[lo:hi], index[lo:hi])
	}

	var (
		total  int
		msgErr error
	)
	if msg != nil {
		// The message queue belongs to this thread, so the caller watches it
		// while the partitions watch the handles.
		ready, err := msgWaitForMultipleObjectsEx([]windows.Handle{stop}, ms, qsAllInput, mwmoAlertable)
		switch {
		case err != nil:
			msgErr = fmt.Errorf("MsgWaitForMultipleObjectsEx(stop): %w", err)
		case ready == waitObject0+1:
			msg.Ready = true
			total++
		}
		_ = windows.SetEvent(stop)
	}

	wg.Wait()

	if msgErr != nil {
		return 0, msgErr
	}
	for _, r := range results {
		if r.err != nil {
			return 0, r.err
		}
		total += r.n
	}
	return total, nil
}

func waitPartition(entries []Entry, stop windows.Handle, handles []windows.Handle, index []int, ms uint32) (int, error) {
	n, err := pollRest(entries, nil, handles, index, 0)
	if err != nil || n > 0 || ms == 0 {
		return n, err
	}

	all := make([]windows.Handle, 0, len(handles)+1)
	all = append(all, stop)
	all = append(all, handles...)

	ready, err := windows.WaitForMultipleObjects(all, false, ms)
	if err != nil {
		return 0, fmt.Errorf("WaitForMultipleObjects(%d handles): %w", len(all), err)
	}

	count := uint32(len(all))
	var i uint32
	switch {
	case ready == waitObject0, ready == waitAbandoned0:
		return 0, nil
	case ready < waitObject0+count:
		i = ready - waitObject0 - 1
	case ready >= waitAbandoned0 && ready < waitAbandoned0+count:
		i = ready - waitAbandoned0 - 1
	default:
		return 0, nil
	}

	e := &entries[index[i]]
	e.Revents = e.Events
	return 1, nil
}
