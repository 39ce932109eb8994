package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted run of several entities transacting through one
// directory. It executes a flow of steps and asserts on the resulting trace
// and final chains.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Directory selects the directory backend: "memory" (default) or
	// "sqlite", which runs the SQLite-backed directory in memory.
	Directory string `yaml:"directory,omitempty"`

	// CheckpointInterval overrides the sparse index interval.
	CheckpointInterval uint64 `yaml:"checkpoint_interval,omitempty"`

	// Entities are created with a dev genesis before the flow starts.
	Entities []Entity `yaml:"entities"`

	// Flow is executed in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and chains.
	Assertions []Assertion `yaml:"assertions"`
}

// Entity declares one participant.
type Entity struct {
	ID      string `yaml:"id"`
	Balance int64  `yaml:"balance"`

	// Journal persists the entity to the scenario's SQLite journal so a
	// restart step can restore it.
	Journal bool `yaml:"journal,omitempty"`

	// Declines makes the entity refuse every bilateral proposal.
	Declines bool `yaml:"declines,omitempty"`
}

// FlowStep is one action in the main flow.
type FlowStep struct {
	// Action is one of the Action constants.
	Action string `yaml:"action"`

	// Entity is the acting entity. Directory toggles take none.
	Entity string `yaml:"entity,omitempty"`

	// To, Amount and Mode describe a transfer. Mode defaults to bilateral.
	To     string `yaml:"to,omitempty"`
	Amount int64  `yaml:"amount,omitempty"`
	Mode   string `yaml:"mode,omitempty"`

	// Expect specifies the expected outcome. If nil the step must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of a step.
type ExpectClause struct {
	// Outcome is one of the Outcome constants.
	Outcome string `yaml:"outcome"`

	// Reason is the expected rejection reason, e.g. "NegativeBalance".
	Reason string `yaml:"reason,omitempty"`

	// Applied is the expected number of publications a sync applies.
	Applied *int `yaml:"applied,omitempty"`

	// Published is the expected publication status of a unilateral transfer.
	Published *bool `yaml:"published,omitempty"`
}

// Assertion validates the trace or final chains.
type Assertion struct {
	// Type is one of the Assert constants.
	Type string `yaml:"type"`

	// Entity is the chain the assertion looks at.
	Entity string `yaml:"entity,omitempty"`

	// Peer names the other side of a relationship (pending).
	Peer string `yaml:"peer,omitempty"`

	// Action and Outcome filter trace events (trace_count).
	Action  string `yaml:"action,omitempty"`
	Outcome string `yaml:"outcome,omitempty"`

	// Count is the expected number of trace events, pending states or
	// outbox entries.
	Count int `yaml:"count,omitempty"`

	// Balance is the expected head balance (balance) or sum of all head
	// balances (total_balance).
	Balance int64 `yaml:"balance,omitempty"`

	// StateNumber is the expected head state number (head).
	StateNumber uint64 `yaml:"state_number,omitempty"`
}

// Flow actions.
const (
	ActionTransfer      = "transfer"
	ActionSync          = "sync"
	ActionFlush         = "flush"
	ActionRestart       = "restart"
	ActionDirectoryDown = "directory_down"
	ActionDirectoryUp   = "directory_up"
)

// Transfer modes.
const (
	ModeBilateral  = "bilateral"
	ModeUnilateral = "unilateral"
)

// Assertion type constants.
const (
	AssertBalance      = "balance"
	AssertTotalBalance = "total_balance"
	AssertHead         = "head"
	AssertChainValid   = "chain_valid"
	AssertPending      = "pending"
	AssertOutbox       = "outbox"
	AssertTraceCount   = "trace_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict decoding catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch s.Directory {
	case "", "memory", "sqlite":
	default:
		return fmt.Errorf("unknown directory backend %q", s.Directory)
	}
	if len(s.Entities) == 0 {
		return fmt.Errorf("entities list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	entities := make(map[string]Entity, len(s.Entities))
	for i, e := range s.Entities {
		if e.ID == "" {
			return fmt.Errorf("entities[%d]: id is required", i)
		}
		if _, dup := entities[e.ID]; dup {
			return fmt.Errorf("entities[%d]: duplicate id %q", i, e.ID)
		}
		if e.Balance < 0 {
			return fmt.Errorf("entities[%d]: balance must be non-negative", i)
		}
		entities[e.ID] = e
	}

	for i, step := range s.Flow {
		if err := validateStep(i, &step, entities); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, entities); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step *FlowStep, entities map[string]Entity) error {
	actor := func() error {
		if _, ok := entities[step.Entity]; !ok {
			return fmt.Errorf("flow[%d]: unknown entity %q", index, step.Entity)
		}
		return nil
	}

	switch step.Action {
	case ActionTransfer:
		if err := actor(); err != nil {
			return err
		}
		if step.To == "" {
			return fmt.Errorf("flow[%d]: to is required for transfer", index)
		}
		switch step.Mode {
		case "", ModeBilateral:
			// A bilateral rendezvous needs a live counterparty.
			if _, ok := entities[step.To]; !ok {
				return fmt.Errorf("flow[%d]: bilateral transfer to undeclared entity %q", index, step.To)
			}
		case ModeUnilateral:
		default:
			return fmt.Errorf("flow[%d]: unknown mode %q", index, step.Mode)
		}
	case ActionSync, ActionFlush:
		if err := actor(); err != nil {
			return err
		}
	case ActionRestart:
		if err := actor(); err != nil {
			return err
		}
		if !entities[step.Entity].Journal {
			return fmt.Errorf("flow[%d]: restart needs journal: true on %q", index, step.Entity)
		}
	case ActionDirectoryDown, ActionDirectoryUp:
	case "":
		return fmt.Errorf("flow[%d]: action is required", index)
	default:
		return fmt.Errorf("flow[%d]: unknown action %q", index, step.Action)
	}

	if step.Expect != nil {
		switch step.Expect.Outcome {
		case OutcomeOK, OutcomeRejected, OutcomeDeferred, OutcomeFailed:
		case "":
			return fmt.Errorf("flow[%d].expect: outcome is required", index)
		default:
			return fmt.Errorf("flow[%d].expect: unknown outcome %q", index, step.Expect.Outcome)
		}
		if step.Expect.Reason != "" && step.Expect.Outcome != OutcomeRejected && step.Action == ActionTransfer {
			return fmt.Errorf("flow[%d].expect: reason needs outcome %q", index, OutcomeRejected)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, entities map[string]Entity) error {
	needEntity := func() error {
		if _, ok := entities[a.Entity]; !ok {
			return fmt.Errorf("assertions[%d]: unknown entity %q for %s", index, a.Entity, a.Type)
		}
		return nil
	}

	switch a.Type {
	case AssertBalance, AssertHead, AssertChainValid, AssertOutbox:
		return needEntity()
	case AssertPending:
		if err := needEntity(); err != nil {
			return err
		}
		if a.Peer == "" {
			return fmt.Errorf("assertions[%d]: peer is required for pending", index)
		}
	case AssertTotalBalance:
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
