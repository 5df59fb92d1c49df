package egtally

import (
	"go.dedis.ch/kyber/v3/suites"
)

// Suite is the cryptographic suite shared by the guardians, the
// coordinator and the verifiers. It is the Ed25519 group hashed with
// SHA-256, which satisfies the kyber proof, signature and network suites.
var Suite = suites.MustFind("Ed25519")
