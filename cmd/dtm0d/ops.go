package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/ozanturksever/dtm0-recovery/internal/dtmlog"
	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
	"github.com/ozanturksever/dtm0-recovery/internal/ha"
	"github.com/ozanturksever/dtm0-recovery/internal/intake"
	"github.com/ozanturksever/dtm0-recovery/internal/natsutil"
	"github.com/ozanturksever/dtm0-recovery/internal/registry"
	"github.com/ozanturksever/dtm0-recovery/internal/service"
	"github.com/ozanturksever/dtm0-recovery/internal/status"
)

const requestTimeout = 10 * time.Second

func connectCLI() (*nats.Conn, error) {
	nc, err := natsutil.Connect(natsutil.ConnectOptions{
		URLs:        cfg.NATS.Servers,
		Credentials: cfg.NATS.Credentials,
		Name:        "dtm0d-cli",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

func startFeed(ctx context.Context, nc *nats.Conn) (*ha.JetStreamFeed, error) {
	feed, err := ha.NewJetStreamFeed(nc, ha.JetStreamConfig{
		ClusterID: cfg.ClusterID,
		NodeID:    cfg.NodeID,
		MaxAge:    cfg.HA.MaxAge,
	})
	if err != nil {
		return nil, err
	}
	if err := feed.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start HA feed: %w", err)
	}
	return feed, nil
}

// statusCmd shows the status of one node or of the whole cluster
var statusCmd = &cobra.Command{
	Use:   "status [node]",
	Short: "Show participant status",
	Long: `Show the recovery status reported by a running daemon: the participant
states it has observed, its running recovery tasks and the number of rejected
HA events. Without an argument the local node is queried; with --all every
node found through service discovery is.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var statusAll bool

func init() {
	statusCmd.Flags().BoolVar(&statusAll, "all", false, "Query every node of the cluster")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	nc, err := connectCLI()
	if err != nil {
		return err
	}
	defer nc.Close()

	nodes := []dtx.ParticipantID{cfg.NodeID}
	if len(args) == 1 {
		nodes = []dtx.ParticipantID{dtx.ParticipantID(args[0])}
	}
	if statusAll {
		found, err := status.Discover(ctx, nc, cfg.ClusterID, 2*time.Second)
		if err != nil {
			return fmt.Errorf("failed to discover nodes: %w", err)
		}
		nodes = nodes[:0]
		for id := range found {
			nodes = append(nodes, id)
		}
		slices.Sort(nodes)
		if len(nodes) == 0 {
			fmt.Println("No running daemons found.")
			return nil
		}
	}

	for i, node := range nodes {
		if i > 0 {
			fmt.Println()
		}
		st, err := status.QueryStatus(ctx, nc, cfg.ClusterID, node)
		if err != nil {
			fmt.Printf("Node %s: not responding (%v)\n", node, err)
			continue
		}
		printStatus(st)
	}
	return nil
}

func printStatus(st *status.NodeStatus) {
	fmt.Printf("Node %s\n", st.Self)
	fmt.Println(strings.Repeat("=", len("Node ")+len(st.Self)))
	fmt.Printf("Cluster:     %s\n", st.ClusterID)
	fmt.Printf("State:       %s\n", st.State)
	fmt.Printf("Uptime:      %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).String())
	fmt.Printf("Violations:  %d\n", st.Violations)
	if st.Local != nil {
		fmt.Printf("Recovery:    awaiting %v (marker %s)\n", st.Local.Awaiting, st.Local.Marker)
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PARTICIPANT\tSTATE\tEVICTED\tSINCE")
	for _, p := range st.Participants {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", p.ID, p.State, p.Evicted, p.Since.Format(time.RFC3339))
	}
	_ = w.Flush()

	if len(st.Tasks) > 0 {
		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TASK\tID\tSTARTED\tPENDING")
		for _, t := range st.Tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", t.Key, t.ID, t.Started.Format(time.RFC3339), t.Pending)
		}
		_ = w.Flush()
	}
}

// haCmd groups the HA event commands
var haCmd = &cobra.Command{
	Use:   "ha",
	Short: "Inspect and drive HA events",
}

var haSendCmd = &cobra.Command{
	Use:   "send <participant> <event>",
	Short: "Publish an HA event",
	Long: `Publish an HA event about a participant. Events are one of
starting, started, transient or failed (or their PROCESS_* names).

This stands in for the HA service in test and lab setups.`,
	Args: cobra.ExactArgs(2),
	RunE: runHASend,
}

var haRelayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Acknowledge readiness signals as PROCESS_STARTED events",
	Long: `Run until interrupted, turning every readiness signal into a
PROCESS_STARTED event. Run exactly one relay per cluster, and only where no
HA service acknowledges readiness.`,
	Args: cobra.NoArgs,
	RunE: runHARelay,
}

var haViewsCmd = &cobra.Command{
	Use:   "views",
	Short: "Show every node's mirrored view of the cluster",
	Args:  cobra.NoArgs,
	RunE:  runHAViews,
}

var haForgetCmd = &cobra.Command{
	Use:   "forget <participant>",
	Short: "Drop an evicted participant from the daemons' registries",
	Long: `Drop a participant whose eviction has completed from a daemon's
registry. Without flags the local node is asked; --node picks another one and
--all asks every node found through service discovery.`,
	Args: cobra.ExactArgs(1),
	RunE: runHAForget,
}

var (
	forgetNode string
	forgetAll  bool
)

func init() {
	haForgetCmd.Flags().StringVar(&forgetNode, "node", "", "Node to ask (default: this node)")
	haForgetCmd.Flags().BoolVar(&forgetAll, "all", false, "Ask every node of the cluster")

	haCmd.AddCommand(haSendCmd)
	haCmd.AddCommand(haRelayCmd)
	haCmd.AddCommand(haViewsCmd)
	haCmd.AddCommand(haForgetCmd)
}

func runHAForget(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	id := dtx.ParticipantID(args[0])
	if err := id.ValidateToken(); err != nil {
		return fmt.Errorf("invalid participant: %w", err)
	}

	nc, err := connectCLI()
	if err != nil {
		return err
	}
	defer nc.Close()

	nodes := []dtx.ParticipantID{cfg.NodeID}
	if forgetNode != "" {
		nodes = []dtx.ParticipantID{dtx.ParticipantID(forgetNode)}
	}
	if forgetAll {
		found, err := status.Discover(ctx, nc, cfg.ClusterID, 2*time.Second)
		if err != nil {
			return fmt.Errorf("failed to discover nodes: %w", err)
		}
		nodes = nodes[:0]
		for node := range found {
			nodes = append(nodes, node)
		}
		slices.Sort(nodes)
	}

	var failed int
	for _, node := range nodes {
		if err := status.Forget(ctx, nc, cfg.ClusterID, node, id); err != nil {
			fmt.Printf("Node %s: forget failed (%v)\n", node, err)
			failed++
			continue
		}
		fmt.Printf("✓ %s forgot %s\n", node, id)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d nodes did not forget %s", failed, len(nodes), id)
	}
	return nil
}

func runHASend(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	kind, err := ha.ParseEventKind(args[1])
	if err != nil {
		return err
	}
	ev := ha.Event{Participant: dtx.ParticipantID(args[0]), Kind: kind}

	nc, err := connectCLI()
	if err != nil {
		return err
	}
	defer nc.Close()

	feed, err := startFeed(ctx, nc)
	if err != nil {
		return err
	}
	defer feed.Stop()

	if err := feed.PublishEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	fmt.Printf("✓ Published %s\n", ev)
	return nil
}

func runHARelay(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	nc, err := connectCLI()
	if err != nil {
		return err
	}
	defer nc.Close()

	feed, err := startFeed(ctx, nc)
	if err != nil {
		return err
	}
	defer feed.Stop()

	fmt.Println("✓ Relaying readiness signals. Press Ctrl+C to stop.")
	return feed.Relay(ctx)
}

func runHAViews(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	nc, err := connectCLI()
	if err != nil {
		return err
	}
	defer nc.Close()

	m, err := registry.NewKVMirror(nc, registry.MirrorConfig{ClusterID: cfg.ClusterID, NodeID: cfg.NodeID})
	if err != nil {
		return err
	}
	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("failed to open registry mirror: %w", err)
	}
	defer m.Stop()

	views, err := m.Views(ctx)
	if err != nil {
		return fmt.Errorf("failed to read views: %w", err)
	}
	viewers := make([]dtx.ParticipantID, 0, len(views))
	for v := range views {
		viewers = append(viewers, v)
	}
	slices.Sort(viewers)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VIEWER\tPARTICIPANT\tSTATE\tEVICTED")
	for _, viewer := range viewers {
		for _, p := range views[viewer] {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", viewer, p.ID, p.State, p.Evicted)
		}
	}
	return w.Flush()
}

// logCmd groups the local log commands
var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Inspect the local DTM0 log",
}

var logDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print every record of the SQLite log",
	Args:  cobra.NoArgs,
	RunE:  runLogDump,
}

var logDumpPath string

func init() {
	logDumpCmd.Flags().StringVar(&logDumpPath, "path", "", "Log database path (defaults to the configured log)")
	logCmd.AddCommand(logDumpCmd)
}

func runLogDump(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	path := logDumpPath
	if path == "" {
		path = cfg.Log.Path
	}
	if path == ":memory:" {
		return fmt.Errorf("the configured log is in memory; use --path")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}

	l, err := dtmlog.OpenSQLite(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	defer l.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CURSOR\tTX\tSERVICE\tPARTICIPANTS\tPERSISTENT ON\tOPEN")
	n := 0
	it := dtmlog.IterateFrom(l, dtmlog.Start)
	for it.Next(ctx) {
		e := it.Entry()
		rec, err := l.Lookup(ctx, e.Desc.ID)
		if errors.Is(err, dtmlog.ErrNotFound) {
			continue // pruned while iterating
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", e.Desc.ID, err)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%v\t%v\t%t\n",
			e.Cursor, e.Desc.ID, rec.Service, e.Desc.Participants, rec.PersistentOn, rec.Open)
		n++
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("failed to iterate log: %w", err)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d record(s)\n", n)
	return nil
}

// putCmd submits a client write
var putCmd = &cobra.Command{
	Use:   "put <key> [value]",
	Short: "Write a key (or blob object) through a node",
	Long: `Submit a transaction to a node's write endpoint. The transaction id is
drawn from the cluster sequencer for --originator.

By default the write is a key-value put (or a delete with --delete). With
--blob the value is written into the named blob object at --offset.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runPut,
}

var (
	putNode         string
	putOriginator   string
	putParticipants []string
	putDelete       bool
	putBlob         bool
	putOffset       int64
)

func init() {
	putCmd.Flags().StringVar(&putNode, "node", "", "Node to write through (defaults to this node)")
	putCmd.Flags().StringVar(&putOriginator, "originator", "cli", "Transaction originator")
	putCmd.Flags().StringSliceVar(&putParticipants, "participants", nil, "Transaction participants (defaults to every member)")
	putCmd.Flags().BoolVar(&putDelete, "delete", false, "Delete the key instead of writing it")
	putCmd.Flags().BoolVar(&putBlob, "blob", false, "Write a blob object instead of a key")
	putCmd.Flags().Int64Var(&putOffset, "offset", 0, "Blob write offset")
}

func runPut(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	rec := dtx.LogRecord{Service: service.KVSName}
	switch {
	case putDelete:
		rec.Payload = service.DelOp(args[0])
	case len(args) < 2:
		return fmt.Errorf("a value is required")
	case putBlob:
		rec.Service = service.BlobName
		rec.Payload = service.WriteOp(args[0], putOffset, []byte(args[1]))
	default:
		rec.Payload = service.PutOp(args[0], []byte(args[1]))
	}

	rec.Desc.Participants = cfg.Members
	if len(putParticipants) > 0 {
		rec.Desc.Participants = nil
		for _, p := range putParticipants {
			rec.Desc.Participants = append(rec.Desc.Participants, dtx.ParticipantID(p))
		}
	}
	node := cfg.NodeID
	if putNode != "" {
		node = dtx.ParticipantID(putNode)
	}

	nc, err := connectCLI()
	if err != nil {
		return err
	}
	defer nc.Close()

	seq, err := intake.NewKVSequencer(nc, intake.SequencerConfig{ClusterID: cfg.ClusterID})
	if err != nil {
		return err
	}
	if err := seq.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sequencer: %w", err)
	}
	defer seq.Stop()

	if rec.Desc.ID, err = seq.Next(ctx, dtx.ParticipantID(putOriginator)); err != nil {
		return fmt.Errorf("failed to allocate transaction id: %w", err)
	}

	res, err := status.SubmitWrite(ctx, nc, cfg.ClusterID, node, rec)
	if errors.Is(err, intake.ErrNotAccepting) {
		return fmt.Errorf("node %s is not accepting writes (it is not ONLINE or RECOVERING)", node)
	}
	if err != nil {
		return err
	}

	if res.Inserted {
		fmt.Printf("✓ Written %s via %s\n", res.ID, node)
	} else {
		fmt.Printf("✓ %s was already in the log of %s\n", res.ID, node)
	}
	return nil
}
