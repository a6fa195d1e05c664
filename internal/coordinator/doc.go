// Package coordinator owns the two execution tracks (foreground and
// background) and decides when an engine may run on each of them.
//
// Every cycle on a track ends through exactly one finalizer: completion
// reported by the application, expiration of the OS task token, an explicit
// stop, the engine exiting on its own, or a forced background restart. The
// finalizer that claims the cycle first resolves the completion callback and
// the task token and tears the engine down; every later finalizer is a no-op.
package coordinator
