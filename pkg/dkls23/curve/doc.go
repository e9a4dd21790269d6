// Package curve provides the secp256k1 arithmetic used by the protocol
// phases: scalars modulo the group order, points, polynomials and Lagrange
// interpolation, hash commitments and Schnorr discrete-log proofs.
//
// Scalars and points implement encoding.BinaryMarshaler so they can be
// embedded directly in CBOR payloads. Points use the SEC1 compressed form;
// the identity is 33 zero bytes.
package curve
