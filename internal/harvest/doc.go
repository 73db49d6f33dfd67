// Package harvest defines the core types shared across subsystems: catalogue
// entries, device identities and their rotation states, rate-limit audit
// events, work units, and the interfaces the coordinator is wired against.
package harvest
