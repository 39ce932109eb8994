package cli

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/roach88/dsm/internal/crypto"
	"github.com/roach88/dsm/internal/directory"
	"github.com/roach88/dsm/internal/state"
	"github.com/roach88/dsm/internal/store"
)

const defaultDirectoryAddr = "127.0.0.1:7400"

// DirectoryOptions holds flags for the directory commands.
type DirectoryOptions struct {
	*RootOptions
	DBPath  string
	Addr    string
	Entity  string
	Timeout time.Duration
}

// NewDirectoryCommand creates the directory command group.
func NewDirectoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DirectoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "directory",
		Short: "Serve or query a directory",
	}
	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", "", "directory address (default from config, else "+defaultDirectoryAddr+")")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve a directory over gRPC",
		Long: `Serve publications and identity anchors over gRPC until interrupted.

With --db the directory is kept in SQLite and survives restarts; without it
everything is held in memory.

Examples:
  dsm directory serve --db directory.db --addr 127.0.0.1:7400`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDirectoryServe(opts, cmd)
		},
	}
	serve.Flags().StringVar(&opts.DBPath, "db", "", "SQLite file backing the directory (default from config)")

	query := &cobra.Command{
		Use:   "query",
		Short: "List publications waiting for an entity",
		Long: `List the unacknowledged publications addressed to an entity and show
its identity anchor.

Examples:
  dsm directory query --addr 127.0.0.1:7400 --entity bob`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDirectoryQuery(opts, cmd)
		},
	}
	query.Flags().StringVar(&opts.Entity, "entity", "", "recipient entity (required)")
	query.Flags().DurationVar(&opts.Timeout, "timeout", 5*time.Second, "request timeout")
	_ = query.MarkFlagRequired("entity")

	cmd.AddCommand(serve, query)
	return cmd
}

func (o *DirectoryOptions) addr() string {
	switch {
	case o.Addr != "":
		return o.Addr
	case o.Config.DirectoryAddress != "":
		return o.Config.DirectoryAddress
	}
	return defaultDirectoryAddr
}

func runDirectoryServe(opts *DirectoryOptions, cmd *cobra.Command) error {
	var svc directory.Service = directory.NewMemory()
	path := opts.DBPath
	if path == "" {
		path = opts.Config.Database
	}
	if path != "" {
		st, err := store.Open(path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer st.Close()
		svc = st.Directory()
	}

	lis, err := net.Listen("tcp", opts.addr())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	return serveDirectory(cmd.Context(), lis, svc, opts.Logger)
}

// serveDirectory serves svc on lis until ctx is done.
func serveDirectory(ctx context.Context, lis net.Listener, svc directory.Service, logger *slog.Logger) error {
	gs := grpc.NewServer()
	directory.NewServer(svc).Register(gs)
	stop := context.AfterFunc(ctx, gs.GracefulStop)
	defer stop()

	logger.Info("directory serving", "addr", lis.Addr().String())
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve directory: %w", err)
	}
	logger.Info("directory stopped")
	return nil
}

// PublicationRow is one pending publication as shown by query.
type PublicationRow struct {
	From        string `json:"from"`
	StateNumber uint64 `json:"state_number"`
	Amount      int64  `json:"amount"`
	Lineage     int    `json:"lineage"`
}

// QueryReport is the directory's view of one recipient.
type QueryReport struct {
	Entity       string           `json:"entity"`
	Anchor       string           `json:"anchor,omitempty"`
	Publications []PublicationRow `json:"publications"`
}

func runDirectoryQuery(opts *DirectoryOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	client, err := directory.Dial(opts.addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to dial directory", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()

	entity := state.EntityID(opts.Entity)
	report := QueryReport{Entity: opts.Entity, Publications: []PublicationRow{}}
	anchor, found, err := client.LookupAnchor(ctx, entity)
	if err != nil {
		return WrapExitError(ExitCommandError, "anchor lookup failed", err)
	}
	if found {
		report.Anchor = hex.EncodeToString(anchor.Hash(crypto.NewSuite()))
	}
	pubs, err := client.Query(ctx, entity)
	if err != nil {
		return WrapExitError(ExitCommandError, "query failed", err)
	}
	for _, pub := range pubs {
		report.Publications = append(report.Publications, PublicationRow{
			From:        string(pub.From),
			StateNumber: pub.State.StateNumber,
			Amount:      pub.State.Operation.Amount,
			Lineage:     len(pub.Lineage),
		})
	}

	if opts.Format == "json" {
		return f.Success(report)
	}
	if len(report.Publications) > 0 {
		rows := make([][]string, 0, len(report.Publications))
		for _, r := range report.Publications {
			rows = append(rows, []string{r.From, strconv.FormatUint(r.StateNumber, 10), strconv.FormatInt(r.Amount, 10), strconv.Itoa(r.Lineage)})
		}
		if err := f.Table([]string{"From", "State", "Amount", "Lineage"}, rows); err != nil {
			return err
		}
	}
	anchorText := "no anchor"
	if found {
		anchorText = "anchor " + short(report.Anchor)
	}
	return f.Success(fmt.Sprintf("%s: %d pending publications, %s", report.Entity, len(report.Publications), anchorText))
}
