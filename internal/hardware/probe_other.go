//go:build !linux && !darwin

package hardware

// No OS-specific queries on this platform; Detect fills in the core-count
// heuristics for everything.
func probePlatform() platformFacts {
	return platformFacts{}
}
