package guardian

import (
	"go.dedis.ch/egtally"
	"go.dedis.ch/egtally/eg"
	"go.dedis.ch/egtally/record"
	"go.dedis.ch/kyber/v3"
)

// PROTOSTART
// package guardian;
// type :kyber.Point:bytes
// type :kyber.Scalar:bytes
// import "record.proto";
//
// option java_package = "ch.epfl.dedis.lib.proto";
// option java_outer_classname = "GuardianProto";

// Announce asks a guardian to take part in a key ceremony.
type Announce struct {
	// Session identifies the ceremony.
	Session []byte
	Quorum  int
}

// AnnounceReply carries the identifier of the guardian.
type AnnounceReply struct {
	Status egtally.Status
	Error  string
	ID     string
}

// SubmitCommitment gives the guardian its index and asks it for the
// commitment to its polynomial.
type SubmitCommitment struct {
	Session           []byte
	Index             uint32
	Quorum            int
	NumberOfGuardians int
}

// SubmitCommitmentReply returns the commitment.
type SubmitCommitmentReply struct {
	Status     egtally.Status
	Error      string
	Commitment *eg.Commitment
}

// ShareCommitments hands the guardian the commitments of everybody.
type ShareCommitments struct {
	Session     []byte
	Commitments []*eg.Commitment
}

// ShareCommitmentsReply acknowledges ShareCommitments.
type ShareCommitmentsReply struct {
	Status egtally.Status
	Error  string
}

// SubmitBackups asks the guardian for its backups for the recipients.
// Fresh asks for a new encryption instead of the one handed out before.
type SubmitBackups struct {
	Session    []byte
	Recipients []uint32
	Fresh      bool
}

// SubmitBackupsReply returns the encrypted backups.
type SubmitBackupsReply struct {
	Status  egtally.Status
	Error   string
	Backups []*eg.Backup
}

// VerifyBackups relays the backups addressed to the guardian.
type VerifyBackups struct {
	Session []byte
	Backups []*eg.Backup
}

// VerifyBackupsReply lists the senders whose backup did not verify, with
// the reason at the same position in Reasons.
type VerifyBackupsReply struct {
	Status     egtally.Status
	Error      string
	Challenged []uint32
	Reasons    []string
}

// Finish closes the ceremony, telling the guardian whether it succeeded
// and which guardians are part of the final set.
type Finish struct {
	Session   []byte
	Guardians []uint32
	OK        bool
}

// FinishReply acknowledges Finish.
type FinishReply struct {
	Status egtally.Status
	Error  string
}

// PartialShares asks for the direct decryption shares of the components.
type PartialShares struct {
	// Session identifies the decryption, Election the key ceremony.
	Session    []byte
	Election   []byte
	Components []*record.TallyComponent
}

// PartialSharesReply returns one share per component, in order.
type PartialSharesReply struct {
	Status egtally.Status
	Error  string
	Shares []*eg.Share
}

// CompensatedShares asks for the shares of the components on behalf of a
// missing guardian.
type CompensatedShares struct {
	Session    []byte
	Election   []byte
	Missing    uint32
	Components []*record.TallyComponent
}

// CompensatedSharesReply returns one share per component, in order.
type CompensatedSharesReply struct {
	Status egtally.Status
	Error  string
	Shares []*eg.Share
}

// ReceivedBackup is a verified backup value.
type ReceivedBackup struct {
	Sender uint32
	Value  kyber.Scalar
}

// TrusteeState is the stored form of a Trustee.
type TrusteeState struct {
	ID           string
	Election     []byte
	Index        uint32
	Quorum       int
	N            int
	Coefficients []kyber.Scalar
	Commitments  []*eg.Commitment
	Issued       []*eg.Backup
	Received     []*ReceivedBackup
	Guardians    []uint32
	Finished     bool
}
