package record

import (
	"sort"

	"go.dedis.ch/egtally"
	"go.dedis.ch/egtally/eg"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"
	"golang.org/x/xerrors"
)

// VerifyElection checks every commitment proof of the ceremony outcome and
// recomputes the joint key.
func VerifyElection(e *ElectionInitialized) error {
	if e.Quorum < 1 || e.Quorum > e.NumberOfGuardians {
		return xerrors.Errorf("quorum %d out of range for %d guardians", e.Quorum, e.NumberOfGuardians)
	}
	if len(e.Guardians) < e.Quorum {
		return xerrors.Errorf("%d guardians for a quorum of %d: %w", len(e.Guardians), e.Quorum, egtally.ErrQuorum)
	}
	seen := make(map[uint32]bool)
	for _, g := range e.Guardians {
		if g.Index == 0 || seen[g.Index] {
			return xerrors.Errorf("guardian index %d is invalid or repeated", g.Index)
		}
		seen[g.Index] = true
		if g.Commitment == nil || g.Commitment.Guardian != g.Index {
			return egtally.NewGuardianError(egtally.ErrInvalidCommitment, g.Index, "",
				xerrors.New("commitment belongs to another guardian"))
		}
		if err := g.Commitment.Verify(e.ID, e.Quorum); err != nil {
			return err
		}
	}
	if e.JointKey == nil || !e.JointKey.Equal(eg.JointKey(e.Commitments())) {
		return xerrors.New("joint key is not the sum of the public key shares")
	}
	return nil
}

// VerifyResult re-verifies a decryption against the ceremony outcome and,
// when given, the encrypted tally it claims to decrypt. Every proof is
// checked and every recombination recomputed.
func VerifyResult(e *ElectionInitialized, tally *EncryptedTally, r *DecryptionResult) error {
	if err := VerifyElection(e); err != nil {
		return err
	}
	if string(r.Election) != string(e.ID) {
		return xerrors.New("result belongs to another election")
	}
	if tally != nil {
		if r.Tally != tally.ID || len(r.Components) != len(tally.Components) {
			return xerrors.New("result does not match the tally")
		}
	}
	if err := verifyGuardians(e, r.Guardians); err != nil {
		return err
	}
	for _, c := range r.Components {
		if tally != nil {
			tc := tally.Component(c.ID)
			if tc == nil || !tc.Ciphertext.Equal(c.Ciphertext) {
				return xerrors.Errorf("component %s does not match the tally", c.ID)
			}
		}
		if err := VerifyComponent(e, c); err != nil {
			return err
		}
	}
	return nil
}

// VerifyComponent checks the shares of one decrypted component and the
// plaintext they yield.
func VerifyComponent(e *ElectionInitialized, c *DecryptedComponent) error {
	if !c.Ciphertext.Valid() || c.Value == nil {
		return xerrors.Errorf("component %s is incomplete", c.ID)
	}
	direct := make(map[uint32]*eg.Share)
	compensated := make(map[uint32]map[uint32]*eg.Share)
	for _, s := range c.Shares {
		if s.Component != c.ID {
			return xerrors.Errorf("share of %s filed under %s", s.Component, c.ID)
		}
		expected, err := expectedKey(e, s)
		if err != nil {
			return err
		}
		if err := s.Verify(c.Ciphertext, expected); err != nil {
			return err
		}
		switch s.Kind {
		case eg.Direct:
			direct[s.Guardian] = s
		case eg.Compensated:
			if compensated[s.Missing] == nil {
				compensated[s.Missing] = make(map[uint32]*eg.Share)
			}
			compensated[s.Missing][s.Guardian] = s
		}
	}

	M := egtally.Suite.Point().Null()
	for _, g := range e.Guardians {
		if s, ok := direct[g.Index]; ok {
			M.Add(M, s.Partial)
			continue
		}
		Mi, err := recoverMissing(e, c, g.Index, compensated[g.Index])
		if err != nil {
			return err
		}
		M.Add(M, Mi)
	}
	if !eg.Unblind(c.Ciphertext, M).Equal(c.Value) {
		return xerrors.Errorf("component %s: shares do not decrypt to the published value", c.ID)
	}
	if !point(c.Tally).Equal(c.Value) {
		return xerrors.Errorf("component %s: tally does not match its encoding", c.ID)
	}
	return nil
}

// recoverMissing interpolates the contribution of a missing guardian from
// the compensated shares of the contributors. It uses kyber's own
// interpolation and checks the published Lagrange coefficients against it.
func recoverMissing(e *ElectionInitialized, c *DecryptedComponent, missing uint32,
	shares map[uint32]*eg.Share) (kyber.Point, error) {
	if len(c.Contributors) < e.Quorum {
		return nil, xerrors.Errorf("component %s: %d contributors: %w", c.ID,
			len(c.Contributors), egtally.ErrThresholdNotMet)
	}
	if len(c.Coefficients) != len(c.Contributors) {
		return nil, xerrors.Errorf("component %s: coefficients do not match the contributors", c.ID)
	}
	w, err := eg.LagrangeSet(c.Contributors)
	if err != nil {
		return nil, xerrors.Errorf("component %s: %v", c.ID, err)
	}
	var pubs []*share.PubShare
	max := 0
	for i, j := range c.Contributors {
		if !w[j].Equal(c.Coefficients[i]) {
			return nil, xerrors.Errorf("component %s: wrong coefficient for guardian %d", c.ID, j)
		}
		s, ok := shares[j]
		if !ok {
			return nil, xerrors.Errorf("component %s: guardian %d did not compensate for %d",
				c.ID, j, missing)
		}
		pubs = append(pubs, &share.PubShare{I: int(j) - 1, V: s.Partial})
		if int(j) > max {
			max = int(j)
		}
	}
	return share.RecoverCommit(egtally.Suite, pubs, len(pubs), max)
}

func expectedKey(e *ElectionInitialized, s *eg.Share) (kyber.Point, error) {
	g := e.Guardian(s.Slot())
	if g == nil {
		return nil, xerrors.Errorf("share for unknown guardian %d", s.Slot())
	}
	if s.Kind == eg.Direct {
		return g.Commitment.PublicKey(), nil
	}
	if e.Guardian(s.Guardian) == nil || s.Guardian == s.Missing {
		return nil, xerrors.Errorf("compensation by unknown guardian %d", s.Guardian)
	}
	return eg.RecoveryKey(g.Commitment, s.Guardian), nil
}

func verifyGuardians(e *ElectionInitialized, present []*DecryptingGuardian) error {
	if len(present) < e.Quorum {
		return xerrors.Errorf("%d decrypting guardians: %w", len(present), egtally.ErrThresholdNotMet)
	}
	set := make([]uint32, len(present))
	for i, g := range present {
		if e.Guardian(g.Index) == nil {
			return xerrors.Errorf("decrypting guardian %d is not part of the election", g.Index)
		}
		set[i] = g.Index
	}
	sort.Slice(set, func(i, j int) bool { return set[i] < set[j] })
	w, err := eg.LagrangeSet(set)
	if err != nil {
		return err
	}
	for _, g := range present {
		if g.Coefficient == nil || !g.Coefficient.Equal(w[g.Index]) {
			return xerrors.Errorf("wrong coefficient for decrypting guardian %d", g.Index)
		}
	}
	return nil
}
