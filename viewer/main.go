// Viewer shows the published records of the elections: the ceremony
// outcomes, the encrypted tallies and the audit trail of each decryption.
package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"go.dedis.ch/egtally/record"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
	"gopkg.in/urfave/cli.v1"
)

var cmds = cli.Commands{
	{
		Name:    "elections",
		Usage:   "list the elections",
		Aliases: []string{"e"},
		Action:  elections,
	},
	{
		Name:      "tally",
		Usage:     "show an encrypted tally and its decryptions",
		Aliases:   []string{"t"},
		ArgsUsage: "tally id",
		Action:    tally,
	},
	{
		Name:      "audit",
		Usage:     "show and re-verify every share of a decryption",
		Aliases:   []string{"a"},
		ArgsUsage: "hex result id",
		Action:    audit,
	},
}

func main() {
	cliApp := cli.NewApp()
	cliApp.Name = "viewer"
	cliApp.Usage = "Read the published election records."
	cliApp.Version = "0.1"
	cliApp.Commands = cmds
	cliApp.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "debug, d",
			Value: 0,
			Usage: "debug-level: 1 for terse, 5 for maximal",
		},
		cli.StringFlag{
			Name:   "db",
			Value:  "egtally.db",
			EnvVar: "EGTALLY_DB",
			Usage:  "path of the record database",
		},
	}
	cliApp.Before = func(c *cli.Context) error {
		log.SetDebugVisible(c.Int("debug"))
		return nil
	}
	log.ErrFatal(cliApp.Run(os.Args))
}

func withStore(c *cli.Context, f func(*record.Store) error) error {
	s, err := record.Open(c.GlobalString("db"))
	if err != nil {
		return err
	}
	defer s.Close()
	return f(s)
}

func elections(c *cli.Context) error {
	return withStore(c, func(s *record.Store) error {
		es, err := s.Elections()
		if err != nil {
			return err
		}
		for _, e := range es {
			showElection(os.Stdout, e)
		}
		return nil
	})
}

func tally(c *cli.Context) error {
	if c.NArg() != 1 {
		return xerrors.New("please give the tally id")
	}
	return withStore(c, func(s *record.Store) error {
		t, err := s.GetTally(c.Args().First())
		if err != nil {
			return err
		}
		fmt.Printf("Tally %s of election %x\n", t.ID, t.Election)
		for _, comp := range t.Components {
			fmt.Printf("\t%s\t%s\n", comp.ID, comp.Ciphertext.Alpha)
		}
		rs, err := s.ResultsForTally(t.ID)
		if err != nil {
			return err
		}
		for _, r := range rs {
			fmt.Printf("Decryption %x on %s\n", r.ID, time.Unix(r.CreatedOn, 0))
			for id, total := range r.Totals() {
				fmt.Printf("\t%s\t%d\n", id, total)
			}
		}
		return nil
	})
}

func audit(c *cli.Context) error {
	if c.NArg() != 1 {
		return xerrors.New("please give the result id")
	}
	id, err := hex.DecodeString(c.Args().First())
	if err != nil {
		return err
	}
	return withStore(c, func(s *record.Store) error {
		r, err := s.GetResult(id)
		if err != nil {
			return err
		}
		e, err := s.GetElection(r.Election)
		if err != nil {
			return err
		}
		return showAudit(os.Stdout, e, r)
	})
}

func showElection(w io.Writer, e *record.ElectionInitialized) {
	fmt.Fprintf(w, "Election %x, quorum %d of %d, created %s\n", e.ID, e.Quorum,
		e.NumberOfGuardians, time.Unix(e.CreatedOn, 0))
	for k, v := range e.Metadata {
		fmt.Fprintf(w, "\t%s: %s\n", k, v)
	}
	for _, g := range e.Guardians {
		fmt.Fprintf(w, "\tguardian %d\t%s\t%s\n", g.Index, g.ID, g.Commitment.PublicKey())
	}
	if err := record.VerifyElection(e); err != nil {
		fmt.Fprintln(w, "\tDOES NOT VERIFY:", err)
	}
}

// showAudit prints every share of the result and re-verifies each
// component. It returns an error if any component fails.
func showAudit(w io.Writer, e *record.ElectionInitialized, r *record.DecryptionResult) error {
	fmt.Fprintf(w, "Decryption %x of tally %s\n", r.ID, r.Tally)
	for _, g := range r.Guardians {
		fmt.Fprintf(w, "\tpresent guardian %d\t%s\tw=%s\n", g.Index, g.ID, g.Coefficient)
	}
	failed := 0
	for _, comp := range r.Components {
		fmt.Fprintf(w, "Component %s = %d\n", comp.ID, comp.Tally)
		if len(comp.Contributors) > 0 {
			fmt.Fprintf(w, "\tcompensated by %v\n", comp.Contributors)
		}
		for _, s := range comp.Shares {
			fmt.Fprintf(w, "\t%s share of guardian %d for %d\n", s.Kind, s.Guardian, s.Slot())
		}
		if err := record.VerifyComponent(e, comp); err != nil {
			failed++
			fmt.Fprintln(w, "\tDOES NOT VERIFY:", err)
		} else {
			fmt.Fprintln(w, "\tverified")
		}
	}
	if failed > 0 {
		return xerrors.Errorf("%d of %d components do not verify", failed, len(r.Components))
	}
	return record.VerifyResult(e, nil, r)
}
