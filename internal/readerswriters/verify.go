package readerswriters

import (
	"errors"
	"fmt"
	"sort"
)

var ErrViolation = errors.New("readers-writers violation")

// Verify checks a run's visits after the fact. It reports every problem it
// finds, joined, each wrapping ErrViolation.
//
// Checked: a writer's interval overlaps no other visit; at no instant are
// more than maxReaders readers inside; the counter values each participant
// observed match its role; written versions are consecutive; every reader
// saw the version of the last writer that left before it entered.
func Verify(visits []Visit, maxReaders int) error {
	var errs []error
	violation := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrViolation, fmt.Sprintf(format, args...)))
	}

	for i, v := range visits {
		if v.Exit < v.Enter {
			violation("%s %d left before it entered", v.Role, v.ID)
		}

		switch v.Role {
		case Writer:
			if v.Mutex != 0 {
				violation("writer %d saw mutex %d inside", v.ID, v.Mutex)
			}
			if v.ReadCount != maxReaders {
				violation("writer %d saw %d free reader slots, want %d", v.ID, v.ReadCount, maxReaders)
			}
			for j, o := range visits {
				if i != j && overlaps(v, o) {
					violation("writer %d overlaps %s %d", v.ID, o.Role, o.ID)
				}
			}
		case Reader:
			if v.Mutex != 1 {
				violation("reader %d saw mutex %d inside", v.ID, v.Mutex)
			}
			if v.ReadCount < 0 || v.ReadCount >= maxReaders {
				violation("reader %d saw %d free reader slots", v.ID, v.ReadCount)
			}
		default:
			violation("visit %d has unknown role %q", i, v.Role)
		}
	}

	if peak := peakReaders(visits); peak > maxReaders {
		violation("%d readers inside at once, bound is %d", peak, maxReaders)
	}

	writes := byEnter(visits, Writer)
	for i := 1; i < len(writes); i++ {
		if writes[i].Version != writes[i-1].Version+1 {
			violation("writer %d wrote version %d after version %d",
				writes[i].ID, writes[i].Version, writes[i-1].Version)
		}
	}

	for _, r := range byEnter(visits, Reader) {
		want, ok := lastWrittenBefore(writes, r.Enter)
		switch {
		case ok && r.Version != want:
			violation("reader %d saw version %d, last written was %d", r.ID, r.Version, want)
		case !ok && len(writes) > 0 && r.Version >= writes[0].Version:
			violation("reader %d saw version %d before it was written", r.ID, r.Version)
		}
	}

	return errors.Join(errs...)
}

func overlaps(a, b Visit) bool {
	return a.Enter < b.Exit && b.Enter < a.Exit
}

func peakReaders(visits []Visit) int {
	type event struct {
		at    int64
		delta int
	}

	events := make([]event, 0, 2*len(visits))
	for _, v := range visits {
		if v.Role == Reader {
			events = append(events, event{v.Enter, 1}, event{v.Exit, -1})
		}
	}
	// Exits sort before enters at the same instant.
	sort.Slice(events, func(i, j int) bool {
		if events[i].at != events[j].at {
			return events[i].at < events[j].at
		}
		return events[i].delta < events[j].delta
	})

	inside, peak := 0, 0
	for _, e := range events {
		inside += e.delta
		if inside > peak {
			peak = inside
		}
	}
	return peak
}

func byEnter(visits []Visit, role Role) []Visit {
	out := make([]Visit, 0, len(visits))
	for _, v := range visits {
		if v.Role == role {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Enter < out[j].Enter })
	return out
}

func lastWrittenBefore(writes []Visit, at int64) (int, bool) {
	version, ok := 0, false
	for _, w := range writes {
		if w.Exit >= at {
			break
		}
		version, ok = w.Version, true
	}
	return version, ok
}
