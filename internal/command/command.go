// Package command defines the opaque, application-level payload the
// consensus core orders and executes. The core never interprets a
// command's Payload; the only property it observes is which key(s) the
// command touches, since that determines interference (SPEC_FULL.md §3).
package command

// Key is the unit of interference. Two commands interfere iff their key
// sets intersect.
type Key string

// Command is an opaque keyed payload. A Noop command interferes with
// nothing and is never handed to the application; it exists so recovery
// (SPEC_FULL.md §4.5 rule (e)) can fill a slot whose original value was
// lost without blocking the dependency graph forever.
type Command struct {
	Keys    []Key
	Noop    bool
	Payload []byte
}

func Noop() Command {
	return Command{Noop: true}
}

// Interferes reports whether c and o touch a common key. No-ops never
// interfere with anything, including each other.
func (c Command) Interferes(o Command) bool {
	if c.Noop || o.Noop {
		return false
	}
	for _, k := range c.Keys {
		for _, ok := range o.Keys {
			if k == ok {
				return true
			}
		}
	}
	return false
}
