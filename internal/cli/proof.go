package cli

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/dsm/internal/index"
	"github.com/roach88/dsm/internal/state"
)

// ProofOptions holds flags for the proof command.
type ProofOptions struct {
	*RootOptions
	DBPath      string
	Entity      string
	StateNumber uint64
}

// ProofReport is an inclusion proof together with what it proves.
type ProofReport struct {
	Entity     string      `json:"entity"`
	StateID    string      `json:"state_id"`
	Root       string      `json:"root"`
	Checkpoint uint64      `json:"checkpoint"`
	Proof      index.Proof `json:"proof"`
	Valid      bool        `json:"valid"`
}

// NewProofCommand creates the proof command.
func NewProofCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProofOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "proof",
		Short: "Produce an inclusion proof for one state",
		Long: `Rebuild an entity's index from a journal and produce the Merkle inclusion
proof of one state against the index root. The proof is checked before it
is printed.

Examples:
  dsm proof --db node.db --entity alice --state 3
  dsm proof --db node.db --entity alice --state 3 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProof(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DBPath, "db", "", "path to the SQLite journal (required)")
	cmd.Flags().StringVar(&opts.Entity, "entity", "", "entity owning the state (required)")
	cmd.Flags().Uint64Var(&opts.StateNumber, "state", 0, "state number to prove")
	_ = cmd.MarkFlagRequired("db")
	_ = cmd.MarkFlagRequired("entity")

	return cmd
}

func runProof(opts *ProofOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	st, err := openJournal(opts.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	a, err := loadAudit(cmd.Context(), st, state.EntityID(opts.Entity), opts.Config.CheckpointInterval)
	if err != nil {
		return err
	}

	target, ok := a.chain.Get(opts.StateNumber)
	if !ok {
		return NewExitError(ExitCommandError,
			fmt.Sprintf("%s has no state %d (head is %d)", opts.Entity, opts.StateNumber, a.chain.Head().StateNumber))
	}
	proof, err := a.index.Prove(opts.StateNumber)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build proof", err)
	}
	id := state.ID(a.p, target)
	root := a.index.Root()
	cp, _ := a.index.Nearest(opts.StateNumber)

	report := ProofReport{
		Entity:     opts.Entity,
		StateID:    hex.EncodeToString(id),
		Root:       hex.EncodeToString(root),
		Checkpoint: cp.StateNumber,
		Proof:      proof,
		Valid:      index.VerifyInclusion(a.p, root, id, proof),
	}
	if !report.Valid {
		_ = f.Error(CodeProofInvalid, "proof does not verify against the index root", report)
		return NewExitError(ExitFailure, "invalid inclusion proof")
	}

	if opts.Format == "json" {
		return f.Success(report)
	}
	rows := [][]string{
		{"entity", report.Entity},
		{"state", strconv.FormatUint(proof.StateNumber, 10)},
		{"state id", report.StateID},
		{"root", report.Root},
		{"nearest checkpoint", strconv.FormatUint(report.Checkpoint, 10)},
		{"segment path", strconv.Itoa(len(proof.Segment))},
		{"top path", strconv.Itoa(len(proof.Top))},
	}
	if err := f.Table([]string{"Field", "Value"}, rows); err != nil {
		return err
	}
	return f.Success(fmt.Sprintf("✓ state %d of %s is included (%d hashes)", proof.StateNumber, report.Entity, proof.Size()))
}
