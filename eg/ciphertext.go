package eg

import (
	"go.dedis.ch/egtally"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/util/random"
)

// Ciphertext is an exponential ElGamal encryption (Alpha, Beta) = (rG,
// mG + rK) of a small integer m under the joint key K. Ciphertexts add up
// homomorphically, which is how selection totals are tallied.
type Ciphertext struct {
	Alpha kyber.Point
	Beta  kyber.Point
}

// Encrypt encrypts the integer m under the public key.
func Encrypt(public kyber.Point, m int64) *Ciphertext {
	r := egtally.Suite.Scalar().Pick(random.New())
	return EncryptWithNonce(public, m, r)
}

// EncryptWithNonce is Encrypt with a caller-chosen nonce.
func EncryptWithNonce(public kyber.Point, m int64, r kyber.Scalar) *Ciphertext {
	mG := egtally.Suite.Point().Mul(egtally.Suite.Scalar().SetInt64(m), nil)
	return &Ciphertext{
		Alpha: egtally.Suite.Point().Mul(r, nil),
		Beta:  egtally.Suite.Point().Add(mG, egtally.Suite.Point().Mul(r, public)),
	}
}

// Zero returns the neutral ciphertext, a valid encryption of 0 under any
// key.
func Zero() *Ciphertext {
	return &Ciphertext{
		Alpha: egtally.Suite.Point().Null(),
		Beta:  egtally.Suite.Point().Null(),
	}
}

// Add returns the encryption of the sum of both plaintexts.
func (c *Ciphertext) Add(o *Ciphertext) *Ciphertext {
	return &Ciphertext{
		Alpha: egtally.Suite.Point().Add(c.Alpha, o.Alpha),
		Beta:  egtally.Suite.Point().Add(c.Beta, o.Beta),
	}
}

// Sum adds all the ciphertexts together.
func Sum(cts ...*Ciphertext) *Ciphertext {
	acc := Zero()
	for _, ct := range cts {
		acc = acc.Add(ct)
	}
	return acc
}

// Equal returns true if both ciphertexts hold the same points.
func (c *Ciphertext) Equal(o *Ciphertext) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.Alpha.Equal(o.Alpha) && c.Beta.Equal(o.Beta)
}

// Valid returns false when one of the points is missing.
func (c *Ciphertext) Valid() bool {
	return c != nil && c.Alpha != nil && c.Beta != nil
}

// Decrypt removes secret·Alpha from Beta and returns mG. It is only usable
// by someone holding the whole secret, which never happens outside of
// tests.
func (c *Ciphertext) Decrypt(secret kyber.Scalar) kyber.Point {
	return Unblind(c, egtally.Suite.Point().Mul(secret, c.Alpha))
}

// Unblind removes the combined decryption factor M from Beta and returns
// the encoded plaintext mG.
func Unblind(c *Ciphertext, M kyber.Point) kyber.Point {
	return egtally.Suite.Point().Sub(c.Beta, M)
}
