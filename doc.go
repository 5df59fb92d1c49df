/*
Package egtally is a threshold-decryption engine for ElectionGuard-style
elections. A set of guardians runs a key ceremony that yields a joint
public key and a k-of-n sharing of the matching private key, then jointly
decrypts homomorphically summed tallies without ever rebuilding the key in
one place. Guardians that are absent at decryption time are compensated by
the present ones from the encrypted backups exchanged during the ceremony.

The sub-packages are organised as follows:

	eg                the group arithmetic, commitments, backups and proofs
	guardian          a guardian's private state and its RPC boundary
	guardian/service  the onet service hosting guardians on a conode
	session           the lifecycle shared by ceremonies and decryptions
	keyceremony       the coordinator of the key ceremony
	decrypt           the aggregator of decryption shares
	record            the persisted, independently verifiable artifacts
	metrics           prometheus counters and histograms of the sessions
	config            the TOML configuration of the coordinator

The binaries are conode, hosting a guardian, egadmin, running ceremonies
and decryptions, and viewer, reading and auditing the records.

The root package holds the suite and the error taxonomy used everywhere.
*/
package egtally
