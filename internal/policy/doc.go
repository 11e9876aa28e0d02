// Package policy pushes desired settings onto the remote policy store and
// captures rollback snapshots. Keys are applied independently with a bounded
// retry budget; partial success is reported per key, never as one atomic unit.
package policy
