package mode

import "github.com/khr0x40sh/powermolecli/internal/config"

// Item is one per-unit outcome in the final session summary: a forwarder
// announcement, a transfer job, or an executed command.
type Item struct {
	Name   string
	OK     bool
	Status string
	Detail string
}

// Report enumerates per-unit outcomes. The final summary presents every
// item, not just an aggregate pass/fail.
type Report struct {
	Mode  config.Mode
	Items []Item
}

// Failed reports whether any item failed.
func (r Report) Failed() bool {
	for _, it := range r.Items {
		if !it.OK {
			return true
		}
	}
	return false
}
