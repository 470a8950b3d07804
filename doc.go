/*
Package derecho is a virtually synchronous group communication
engine: a fixed set of processes agree on an ordered sequence of
membership views, and, within each view, every surviving member
delivers the same totally-ordered stream of multicast messages,
with per-message persistence and signature frontiers.

The two central pieces are the view manager (gms.go), which
proposes, commits and installs views, and the multicast engine
(mcast.go), which delivers ordered multicasts within a view. They
coordinate through a shared state table (sst.go): a replicated
row-per-member table where each process writes only its own row
and registered predicates fire when cross-row conditions hold.

Large payloads travel through the reliable bulk multicast
(rbm.go) in block-size chunks; small payloads ride inside the
sender's SST row itself (smm.go). Delivered bytes flow to an
append-only versioned log (persist.go), optionally signed and
cross-verified (sign.go).

Transport is the rpc25519 peer/circuit/fragment layer
(transport.go); an in-process loopback transport serves tests.

Start a member with NewGroup after loading a Config; see
cmd/derecho-node for a complete example.
*/
package derecho
