// Package trust evaluates device and user trust over the cross-signing graph.
//
// Each user's graph is rooted at their master key: the self-signing key
// signs that user's devices, the user-signing key signs other users' master
// keys. A device is cross-signed when every edge from it up to a master key
// we trust verifies. Verdicts are recomputed from a store snapshot on every
// call; local pins (blacklisted, ignored, verified) are combined with the
// graph in a fixed order.
package trust
