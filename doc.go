// *peerdex* lets nodes without a stable network identity find each other and
// exchange messages directly.
//
// An `IndexServer` hands out a 128-bit `PeerID` to every `Node` registering
// with it and remembers the address the node can be reached at. Nodes then
// talk to each other without going through the server, and only ask it to
// resolve an identifier they don't know yet.
//
// ## How it works
//
// First, start an `IndexServer`. It speaks a tiny JSON protocol over UDP,
// TCP, or both on the same port:
//
//	{"type":"register","address":"127.0.0.1:9001"} -> {"status":"ok","uuid":"3fa8..."}
//	{"type":"query","uuid":"3fa8..."}              -> {"status":"ok","uuid":"3fa8...","address":"127.0.0.1:9001"}
//
// Then, create a `Node` with `NewNode` and call `Node.Run`. It registers the
// address of its `PeerTransport` and starts three goroutines:
//
// * the *sender* reads `<peer id> <text>` lines, resolves the destination
// through its `PeerCache` or, on a miss, through the index server, and
// transmits the `Message`;
// * the *receiver* decodes what arrives on the transport and pushes it to
// the inbound queue;
// * the *display* pops the inbound queue and renders messages in the order
// they arrived.
//
// Nodes can also send programmatically with `Node.Send`.
//
// ## Design Principles
//
// The index server is the only authority on identities and keeps them in
// memory. If it restarts, every node has to register again. `Registry.Save`
// and `Registry.Load` only exist to carry the registry across a planned
// restart.
//
// The cache of a node is advisory: an address that stops working is
// forgotten and resolved again on the next send.
//
// No lock is ever held while waiting: the inbound queue only locks to append
// or remove one message, so a slow display never stalls the receiver.
package peerdex
