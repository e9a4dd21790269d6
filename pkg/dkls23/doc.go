// Package dkls23 defines the session model shared by every DKLs23 threshold
// ECDSA protocol run: session descriptors, party indices, phases, fragment
// envelopes and the error taxonomy.
//
// Protocol logic lives in subpackages:
//
//   - dkg: distributed key generation and key refresh (re-key)
//   - sign: four-phase threshold signing and signature verification
//   - derivation: BIP32 non-hardened derivation of key shares
//   - engine: the phase engine capability used by coordinators
//   - coordinator: per-party phase sequencing, idempotent replay and timeouts
//   - router: fragment delivery between parties (in-memory and Redis)
//   - keystore: key share custody with epoch tracking
//   - bridge: JSON request/response surface for foreign callers
//
// Every party runs its own coordinator. Parties never exchange secret
// material; only sealed fragments produced by the engine cross the router.
package dkls23
