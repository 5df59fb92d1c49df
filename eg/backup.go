package eg

import (
	"encoding/binary"

	"go.dedis.ch/egtally"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/encrypt/ecies"
	"golang.org/x/xerrors"
)

// Backup is P_i(j) encrypted by guardian i for guardian j. Only j can open
// it and j only needs it to stand in for i at decryption time.
type Backup struct {
	Sender     uint32
	Recipient  uint32
	Ciphertext []byte
}

const backupHeader = 8

// EncryptBackup encrypts the evaluation value = P_sender(recipient) under the
// recipient's public key. The indices are sealed together with the value so
// that a backup cannot be redirected.
func EncryptBackup(value kyber.Scalar, sender, recipient uint32, recipientKey kyber.Point) (*Backup, error) {
	buf, err := value.MarshalBinary()
	if err != nil {
		return nil, err
	}
	msg := make([]byte, backupHeader, backupHeader+len(buf))
	binary.BigEndian.PutUint32(msg[:4], sender)
	binary.BigEndian.PutUint32(msg[4:], recipient)
	msg = append(msg, buf...)

	ct, err := ecies.Encrypt(egtally.Suite, recipientKey, msg, egtally.Suite.Hash)
	if err != nil {
		return nil, xerrors.Errorf("encrypting backup: %v", err)
	}
	return &Backup{Sender: sender, Recipient: recipient, Ciphertext: ct}, nil
}

// DecryptBackup opens the backup with the recipient's private key and
// checks the value against the sender's commitment. Any failure is an
// ErrIntegrity attributed to the sender.
func DecryptBackup(b *Backup, private kyber.Scalar, sender *Commitment) (kyber.Scalar, error) {
	fail := func(err error) error {
		return egtally.NewGuardianError(egtally.ErrIntegrity, b.Sender, "", err)
	}
	if sender == nil || sender.Guardian != b.Sender {
		return nil, fail(xerrors.New("no commitment for the sender"))
	}
	msg, err := ecies.Decrypt(egtally.Suite, private, b.Ciphertext, egtally.Suite.Hash)
	if err != nil {
		return nil, fail(err)
	}
	if len(msg) <= backupHeader {
		return nil, fail(xerrors.New("backup too short"))
	}
	if binary.BigEndian.Uint32(msg[:4]) != b.Sender ||
		binary.BigEndian.Uint32(msg[4:backupHeader]) != b.Recipient {
		return nil, fail(xerrors.New("backup is addressed to another pair of guardians"))
	}
	value := egtally.Suite.Scalar()
	if err := value.UnmarshalBinary(msg[backupHeader:]); err != nil {
		return nil, fail(err)
	}
	if !egtally.Suite.Point().Mul(value, nil).Equal(sender.Eval(b.Recipient)) {
		return nil, fail(xerrors.New("value does not match the commitment"))
	}
	return value, nil
}
