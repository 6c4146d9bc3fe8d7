// Package metrics instruments the access decision path. A Recorder is wired
// into the engine; the Prometheus implementation exposes counters and
// latency histograms, Nop discards everything.
package metrics

import "time"

// Recorder receives decision-path events.
type Recorder interface {
	// AccessDecision records the outcome of one access request. decision is
	// "serve", "challenge" or "deny"; code is the gate error code for
	// denials, empty otherwise.
	AccessDecision(chain, decision, code string)

	// VerificationDuration records the wall time of a chain verification.
	VerificationDuration(chain string, d time.Duration, success bool)

	// NonceCacheSize records the current number of live session entries.
	NonceCacheSize(n int)
}

// Nop returns a recorder that discards everything.
func Nop() Recorder { return nopRecorder{} }

type nopRecorder struct{}

func (nopRecorder) AccessDecision(string, string, string)            {}
func (nopRecorder) VerificationDuration(string, time.Duration, bool) {}
func (nopRecorder) NonceCacheSize(int)                               {}
