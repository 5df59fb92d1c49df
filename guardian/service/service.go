// Package service runs a guardian inside a conode. The trustees of the
// guardian are kept in the conode's database so that a restarted conode
// can still take part in the decryptions of its elections.
package service

import (
	"errors"
	"sync"

	"go.dedis.ch/egtally"
	"go.dedis.ch/egtally/guardian"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/network"
)

func init() {
	network.RegisterMessages(&storage{})
	serviceID, _ = onet.RegisterNewService(guardian.ServiceName, newService)
}

// serviceID is the onet identifier.
var serviceID onet.ServiceID

// storageKey identifies the on-disk storage.
var storageKey = []byte("storage")
var dbVersion = 1

// Service is a guardian hosted by a conode.
type Service struct {
	*onet.ServiceProcessor

	mutex   sync.Mutex
	host    *guardian.Host
	storage *storage
}

// storage is saved to disk.
type storage struct {
	Trustees []*guardian.TrusteeState
}

// Announce registers the guardian for a ceremony.
func (s *Service) Announce(req *guardian.Announce) (*guardian.AnnounceReply, error) {
	reply, err := s.host.Announce(req)
	if err != nil {
		return &guardian.AnnounceReply{Status: egtally.Classify(err), Error: err.Error()}, nil
	}
	return reply, nil
}

// SubmitCommitment returns the commitment of the guardian for a ceremony.
func (s *Service) SubmitCommitment(req *guardian.SubmitCommitment) (*guardian.SubmitCommitmentReply, error) {
	reply, err := s.host.SubmitCommitment(req)
	if err != nil {
		return &guardian.SubmitCommitmentReply{Status: egtally.Classify(err), Error: err.Error()}, nil
	}
	return reply, nil
}

// ShareCommitments hands the commitments of the other guardians.
func (s *Service) ShareCommitments(req *guardian.ShareCommitments) (*guardian.ShareCommitmentsReply, error) {
	reply, err := s.host.ShareCommitments(req)
	if err != nil {
		return &guardian.ShareCommitmentsReply{Status: egtally.Classify(err), Error: err.Error()}, nil
	}
	return reply, nil
}

// SubmitBackups returns the encrypted backups for the other guardians.
func (s *Service) SubmitBackups(req *guardian.SubmitBackups) (*guardian.SubmitBackupsReply, error) {
	reply, err := s.host.SubmitBackups(req)
	if err != nil {
		return &guardian.SubmitBackupsReply{Status: egtally.Classify(err), Error: err.Error()}, nil
	}
	return reply, nil
}

// VerifyBackups checks the backups addressed to the guardian.
func (s *Service) VerifyBackups(req *guardian.VerifyBackups) (*guardian.VerifyBackupsReply, error) {
	reply, err := s.host.VerifyBackups(req)
	if err != nil {
		return &guardian.VerifyBackupsReply{Status: egtally.Classify(err), Error: err.Error()}, nil
	}
	return reply, nil
}

// Finish closes a ceremony.
func (s *Service) Finish(req *guardian.Finish) (*guardian.FinishReply, error) {
	reply, err := s.host.Finish(req)
	if err != nil {
		return &guardian.FinishReply{Status: egtally.Classify(err), Error: err.Error()}, nil
	}
	return reply, nil
}

// PartialShares returns the direct shares of a tally.
func (s *Service) PartialShares(req *guardian.PartialShares) (*guardian.PartialSharesReply, error) {
	reply, err := s.host.PartialShares(req)
	if err != nil {
		return &guardian.PartialSharesReply{Status: egtally.Classify(err), Error: err.Error()}, nil
	}
	return reply, nil
}

// CompensatedShares returns the shares of a tally on behalf of a missing
// guardian.
func (s *Service) CompensatedShares(req *guardian.CompensatedShares) (*guardian.CompensatedSharesReply, error) {
	reply, err := s.host.CompensatedShares(req)
	if err != nil {
		return &guardian.CompensatedSharesReply{Status: egtally.Classify(err), Error: err.Error()}, nil
	}
	return reply, nil
}

// save writes the trustees of the host to disk.
func (s *Service) save(*guardian.Trustee) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.storage.Trustees = s.storage.Trustees[:0]
	for _, t := range s.host.Trustees() {
		s.storage.Trustees = append(s.storage.Trustees, t.State())
	}
	if err := s.Save(storageKey, s.storage); err != nil {
		log.Error(err)
	}
	if err := s.SaveVersion(dbVersion); err != nil {
		log.Error(err)
	}
}

// load restores the trustees from disk.
func (s *Service) load() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	blob, err := s.Load(storageKey)
	if err != nil {
		return err
	} else if blob == nil {
		return nil
	}

	var ok bool
	s.storage, ok = blob.(*storage)
	if !ok {
		return errors.New("service error: could not unmarshal storage")
	}
	for _, st := range s.storage.Trustees {
		t, err := guardian.TrusteeFromState(st)
		if err != nil {
			return err
		}
		s.host.Restore(t)
	}
	log.Lvlf2("%s: restored %d trustees", s.ServerIdentity(), len(s.storage.Trustees))
	return nil
}

func newService(context *onet.Context) (onet.Service, error) {
	s := &Service{
		ServiceProcessor: onet.NewServiceProcessor(context),
		storage:          &storage{},
	}
	s.host = guardian.NewHost(s.ServerIdentity().Address.String())
	s.host.Changed = s.save

	if err := s.RegisterHandlers(
		s.Announce,
		s.SubmitCommitment,
		s.ShareCommitments,
		s.SubmitBackups,
		s.VerifyBackups,
		s.Finish,
		s.PartialShares,
		s.CompensatedShares,
	); err != nil {
		return nil, err
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}
