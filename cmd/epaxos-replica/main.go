// Command epaxos-replica boots a small in-process EPaxos cluster and
// exercises it with a handful of generated commands. Process bootstrap,
// wall-clock plumbing, and a real socket transport are explicitly out of
// scope for the core (SPEC_FULL.md §1); this binary exists to demonstrate
// wiring the core together the way the retrieved pack's own command-line
// tools do it (tigranb2-pineapple/src/clientnew's flag-var style), not to
// stand in for a production launcher.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
	"github.com/op/go-logging"

	"github.com/bdeggleston/epaxos/internal/command"
	"github.com/bdeggleston/epaxos/internal/consensus"
	"github.com/bdeggleston/epaxos/internal/replicaserver"
	"github.com/bdeggleston/epaxos/internal/slot"
	"github.com/bdeggleston/epaxos/internal/transport"
)

var (
	replicaCount      = flag.Int("replicas", 3, "Number of replicas in the demo cluster.")
	secondsPerTick    = flag.Float64("seconds-per-tick", 0.05, "Wall-clock seconds per logical tick.")
	jiffiesPerTimeout = flag.Uint64("jiffies-per-timeout", 15, "Ticks an instance may sit uncommitted before recovery arms.")
	fastPathEnabled   = flag.Bool("fast-path", true, "Whether the fast path is attempted before falling back to Accept.")
	quorumFull        = flag.Int("quorum-full", 0, "Override the slow (majority) quorum size. 0 derives it from -replicas.")
	quorumFast        = flag.Int("quorum-fast", 0, "Override the fast quorum size. 0 derives it from -replicas.")
	logLevel          = flag.String("log-level", "INFO", "op/go-logging level: DEBUG, INFO, WARNING, ERROR.")
	numCommands       = flag.Int("commands", 5, "Number of demo commands to propose: even-numbered ones locally on replica 0, odd-numbered ones over the wire to replica i mod -replicas.")
	statsdAddr        = flag.String("statsd-addr", "", "UDP address of a statsd daemon. Empty disables metrics.")
)

var log = logging.MustGetLogger("main")

func main() {
	flag.Parse()

	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatter := logging.MustStringFormatter(`%{time:15:04:05.000} %{level:.4s} %{module}: %{message}`)
	leveled := logging.AddModuleLevel(logging.NewBackendFormatter(backend, formatter))
	level, err := logging.LogLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -log-level %q: %v\n", *logLevel, err)
		os.Exit(1)
	}
	leveled.SetLevel(level, "")
	logging.SetBackend(leveled)

	stats, err := newStatter(*statsdAddr)
	if err != nil {
		log.Warning("statsd disabled: %v", err)
		stats, _ = statsd.NewNoopClient()
	}

	ids := make([]slot.ReplicaID, *replicaCount)
	for i := range ids {
		ids[i] = slot.ReplicaID(i)
	}
	clientID := slot.ReplicaID(*replicaCount)
	channels := transport.NewHub(append(append([]slot.ReplicaID(nil), ids...), clientID))

	cfg := consensus.DefaultConfig()
	cfg.SecondsPerTick = *secondsPerTick
	cfg.JiffiesPerTimeout = *jiffiesPerTimeout
	cfg.FastPathEnabled = *fastPathEnabled
	cfg.QuorumFull = *quorumFull
	cfg.QuorumFast = *quorumFast

	replicas := make([]*consensus.Replica, len(ids))
	done := make(chan struct{})
	for i, id := range ids {
		peers := make([]slot.ReplicaID, 0, len(ids)-1)
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		r := consensus.NewReplica(id, peers, channels[id], cfg, stats)
		replicas[i] = r
		go r.Run(done)
	}
	defer close(done)

	log.Info("demo cluster up: %d replicas, 1 client", len(ids))

	server := replicaserver.New(replicas[0])
	remote := replicaserver.NewRemoteClient(channels[clientID])
	for i := 0; i < *numCommands; i++ {
		cmd := command.Command{
			Keys:    []command.Key{command.Key("key-" + strconv.Itoa(i%3))},
			Payload: []byte("value-" + strconv.Itoa(i)),
		}
		if i%2 == 0 {
			proposeLocal(server, cmd, i)
		} else {
			proposeRemote(remote, ids[i%len(ids)], cmd, i)
		}
	}
}

// proposeLocal drives a command through replicaserver.Server, the path a
// collocated application state machine uses.
func proposeLocal(srv *replicaserver.Server, cmd command.Command, i int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := srv.Propose(ctx, cmd)
	if err != nil {
		log.Warning("local command %d did not commit: %v", i, err)
		return
	}
	log.Info("local propose committed %v: keys=%v", s, strings.Join(keyStrings(cmd), ","))
}

// proposeRemote drives a command through the wire-level ClientRequest path
// (§6), the one a process without direct access to a Replica value would
// use.
func proposeRemote(remote *replicaserver.RemoteClient, to slot.ReplicaID, cmd command.Command, i int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := remote.Propose(ctx, to, cmd)
	if err != nil {
		log.Warning("remote command %d did not commit via %v: %v", i, to, err)
		return
	}
	log.Info("remote propose committed %v via %v: keys=%v", s, to, strings.Join(keyStrings(cmd), ","))
}

func keyStrings(cmd command.Command) []string {
	out := make([]string, len(cmd.Keys))
	for i, k := range cmd.Keys {
		out[i] = string(k)
	}
	return out
}

func newStatter(addr string) (statsd.Statter, error) {
	if addr == "" {
		return statsd.NewNoopClient()
	}
	return statsd.NewClient(addr, "epaxos")
}
