package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.dedis.ch/egtally/config"
	"go.dedis.ch/egtally/decrypt"
	"go.dedis.ch/egtally/eg"
	"go.dedis.ch/egtally/guardian"
	"go.dedis.ch/egtally/keyceremony"
	"go.dedis.ch/egtally/metrics"
	"go.dedis.ch/egtally/record"
	"go.dedis.ch/egtally/session"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
	"gopkg.in/urfave/cli.v1"
)

// env is what every command works with.
type env struct {
	cfg     *config.Config
	store   *record.Store
	metrics *metrics.Metrics
	server  *http.Server
}

func open(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	store, err := record.Open(cfg.Path(cfg.Database))
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, store: store}
	reg := prometheus.NewRegistry()
	e.metrics = metrics.New(reg)
	if addr := c.String("metrics"); addr != "" {
		e.server = &http.Server{
			Addr:    addr,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := e.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics:", err)
			}
		}()
	}
	return e, nil
}

func (e *env) close() {
	if e.server != nil {
		e.server.Close()
	}
	if err := e.store.Close(); err != nil {
		log.Error(err)
	}
}

func (e *env) remotes() ([]guardian.Remote, error) {
	roster, err := e.cfg.ReadRoster()
	if err != nil {
		return nil, err
	}
	return guardian.NewClients(roster), nil
}

func ceremony(c *cli.Context) error {
	e, err := open(c)
	if err != nil {
		return err
	}
	defer e.close()
	remotes, err := e.remotes()
	if err != nil {
		return err
	}

	co := keyceremony.NewCoordinator(session.NewRegistry(e.metrics))
	co.AnnounceTimeout = e.cfg.AnnounceTimeout.Duration
	co.PhaseTimeout = e.cfg.PhaseTimeout.Duration
	co.CallTimeout = e.cfg.CallTimeout.Duration
	co.Metrics = e.metrics
	co.Metadata = metadata(e.cfg.Metadata)
	election, err := co.Run(context.Background(), remotes, e.cfg.Quorum)
	if err != nil {
		return err
	}
	if err := e.store.PutElection(election); err != nil {
		return err
	}
	fmt.Printf("Election %x with %d guardians and a quorum of %d\n",
		election.ID, len(election.Guardians), election.Quorum)
	fmt.Println("Joint key:", election.JointKey)
	return nil
}

func encrypt(c *cli.Context) error {
	e, err := open(c)
	if err != nil {
		return err
	}
	defer e.close()
	id, err := hex.DecodeString(c.String("election"))
	if err != nil {
		return xerrors.Errorf("election identifier: %v", err)
	}
	election, err := e.store.GetElection(id)
	if err != nil {
		return err
	}
	counts, err := parseCounts(c.String("counts"))
	if err != nil {
		return err
	}
	tally, err := buildTally(election, c.String("id"), counts)
	if err != nil {
		return err
	}
	if err := e.store.PutTally(tally); err != nil {
		return err
	}
	fmt.Printf("Tally %s with %d components\n", tally.ID, len(tally.Components))
	return nil
}

func decryptTally(c *cli.Context) error {
	e, err := open(c)
	if err != nil {
		return err
	}
	defer e.close()
	tally, err := e.store.GetTally(c.String("tally"))
	if err != nil {
		return err
	}
	election, err := e.store.GetElection(tally.Election)
	if err != nil {
		return err
	}
	remotes, err := e.remotes()
	if err != nil {
		return err
	}
	present := decrypt.Match(election, remotes)
	if p := c.String("present"); p != "" {
		indices, err := parseIndices(p)
		if err != nil {
			return err
		}
		present = restrict(present, indices)
	}

	a := decrypt.NewAggregator(session.NewRegistry(e.metrics), election, e.cfg.MaxTally)
	a.PhaseTimeout = e.cfg.PhaseTimeout.Duration
	a.CallTimeout = e.cfg.CallTimeout.Duration
	a.Metrics = e.metrics
	a.Metadata = metadata(e.cfg.Metadata)
	result, err := a.Run(context.Background(), tally, present)
	if err != nil {
		return err
	}
	if err := e.store.PutResult(result); err != nil {
		return err
	}
	fmt.Printf("Result %x\n", result.ID)
	printTotals(result)
	return nil
}

func verify(c *cli.Context) error {
	e, err := open(c)
	if err != nil {
		return err
	}
	defer e.close()
	arg := c.String("result")
	if c.NArg() > 0 {
		arg = c.Args().First()
	}
	id, err := hex.DecodeString(arg)
	if err != nil {
		return xerrors.Errorf("result identifier: %v", err)
	}
	result, err := e.store.GetResult(id)
	if err != nil {
		return err
	}
	election, err := e.store.GetElection(result.Election)
	if err != nil {
		return err
	}
	tally, err := e.store.GetTally(result.Tally)
	if err != nil {
		return err
	}
	if err := record.VerifyResult(election, tally, result); err != nil {
		return xerrors.Errorf("result %x does not verify: %v", id, err)
	}
	fmt.Printf("Result %x verifies\n", id)
	printTotals(result)
	return nil
}

// parseCounts reads "a=3,b=5".
func parseCounts(s string) (map[string]int64, error) {
	counts := make(map[string]int64)
	for _, kv := range strings.Split(s, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, xerrors.Errorf("malformed count %q", kv)
		}
		if _, ok := counts[parts[0]]; ok {
			return nil, xerrors.Errorf("component %s given twice", parts[0])
		}
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || n < 0 {
			return nil, xerrors.Errorf("malformed count %q", kv)
		}
		counts[parts[0]] = n
	}
	if len(counts) == 0 {
		return nil, xerrors.New("no counts given")
	}
	return counts, nil
}

// parseIndices reads "1,3,5".
func parseIndices(s string) ([]uint32, error) {
	var indices []uint32
	for _, f := range strings.Split(s, ",") {
		i, err := strconv.ParseUint(strings.TrimSpace(f), 10, 32)
		if err != nil || i == 0 {
			return nil, xerrors.Errorf("malformed guardian index %q", f)
		}
		indices = append(indices, uint32(i))
	}
	return indices, nil
}

func restrict(present map[uint32]guardian.Remote, indices []uint32) map[uint32]guardian.Remote {
	out := make(map[uint32]guardian.Remote)
	for _, i := range indices {
		if r, ok := present[i]; ok {
			out[i] = r
		} else {
			log.Warnf("guardian %d is not reachable through the roster", i)
		}
	}
	return out
}

func buildTally(e *record.ElectionInitialized, id string, counts map[string]int64) (*record.EncryptedTally, error) {
	if err := record.VerifyElection(e); err != nil {
		return nil, err
	}
	tally := &record.EncryptedTally{ID: id, Election: e.ID}
	var names []string
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		tally.Components = append(tally.Components, &record.TallyComponent{
			ID:         name,
			Ciphertext: eg.Encrypt(e.JointKey, counts[name]),
		})
	}
	return tally, nil
}

func metadata(m map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range m {
		out[k] = v
	}
	if _, ok := out["created-by"]; !ok {
		if host, err := os.Hostname(); err == nil {
			out["created-by"] = host
		}
	}
	return out
}

func printTotals(r *record.DecryptionResult) {
	for _, c := range r.Components {
		fmt.Printf("%s\t%d\n", c.ID, c.Tally)
	}
}
