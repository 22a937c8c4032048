// Package syncqueue records storage actions that could not reach the
// primary store and replays them, in order, once connectivity returns.
//
// Items move through queued, in_flight, retrying and dead. Transient
// failures back off exponentially up to a fixed retry cap; dead items stay
// visible until an operator retries or discards them.
package syncqueue
