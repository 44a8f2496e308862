package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/roach88/shapefabric/internal/fault"
	"github.com/roach88/shapefabric/internal/shape"
)

// Defaults for fields a scenario may omit.
const (
	DefaultSeed         = 1
	DefaultTickInterval = 10 * time.Millisecond
	DefaultReplicas     = 3
)

// Scenario is a scripted run against the runtime and the ownership index.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario shows.
	Description string `yaml:"description"`

	// Seed drives random initial state. Zero means DefaultSeed.
	Seed int64 `yaml:"seed,omitempty"`

	// TickInterval is how far the clock moves per tick round.
	// Empty means DefaultTickInterval.
	TickInterval string `yaml:"tick_interval,omitempty"`

	// Replicas is the number of in-memory log replicas.
	// Zero means DefaultReplicas.
	Replicas int `yaml:"replicas,omitempty"`

	// Shapes declares shapes with a fixed initial state.
	Shapes []ShapeDecl `yaml:"shapes,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// ShapeDecl seeds the durable state of one shape before the steps run.
type ShapeDecl struct {
	ID      string        `yaml:"id"`
	Initial *InitialState `yaml:"initial,omitempty"`
}

// InitialState is a shape's starting position and direction.
type InitialState struct {
	X     float64 `yaml:"x"`
	Y     float64 `yaml:"y"`
	DiffX float64 `yaml:"diff_x"`
	DiffY float64 `yaml:"diff_y"`
	Angle float64 `yaml:"angle,omitempty"`
}

// Shape converts the declaration to the domain type.
func (s InitialState) Shape() shape.Shape {
	return shape.Shape{X: s.X, Y: s.Y, DiffX: s.DiffX, DiffY: s.DiffY, Angle: s.Angle}
}

// Step is one action. Exactly one action field must be set.
type Step struct {
	Activate     string         `yaml:"activate,omitempty"`
	Tick         int            `yaml:"tick,omitempty"`
	Subscribe    *SubscribeStep `yaml:"subscribe,omitempty"`
	Unsubscribe  *SubscribeStep `yaml:"unsubscribe,omitempty"`
	Deactivate   string         `yaml:"deactivate,omitempty"`
	Add          *AddStep       `yaml:"add,omitempty"`
	Remove       string         `yaml:"remove,omitempty"`
	ReplicasDown int            `yaml:"replicas_down,omitempty"`
	ReplicasUp   bool           `yaml:"replicas_up,omitempty"`

	// ExpectError is the fault code the step must fail with.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// SubscribeStep names a subscription. Lease is ignored by unsubscribe.
type SubscribeStep struct {
	Shape    string `yaml:"shape"`
	Observer string `yaml:"observer"`
	Lease    string `yaml:"lease,omitempty"`
}

// AddStep assigns a shape to an owner.
type AddStep struct {
	Shape string `yaml:"shape"`
	Owner string `yaml:"owner"`
}

// Step kinds, as reported by Kind.
const (
	StepActivate     = "activate"
	StepTick         = "tick"
	StepSubscribe    = "subscribe"
	StepUnsubscribe  = "unsubscribe"
	StepDeactivate   = "deactivate"
	StepAdd          = "add"
	StepRemove       = "remove"
	StepReplicasDown = "replicas_down"
	StepReplicasUp   = "replicas_up"
)

// Kind returns the single action the step performs, or "" if it sets
// none or more than one.
func (s Step) Kind() string {
	var kinds []string
	if s.Activate != "" {
		kinds = append(kinds, StepActivate)
	}
	if s.Tick != 0 {
		kinds = append(kinds, StepTick)
	}
	if s.Subscribe != nil {
		kinds = append(kinds, StepSubscribe)
	}
	if s.Unsubscribe != nil {
		kinds = append(kinds, StepUnsubscribe)
	}
	if s.Deactivate != "" {
		kinds = append(kinds, StepDeactivate)
	}
	if s.Add != nil {
		kinds = append(kinds, StepAdd)
	}
	if s.Remove != "" {
		kinds = append(kinds, StepRemove)
	}
	if s.ReplicasDown != 0 {
		kinds = append(kinds, StepReplicasDown)
	}
	if s.ReplicasUp {
		kinds = append(kinds, StepReplicasUp)
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// Assertion checks the final state.
type Assertion struct {
	// Type is one of position, owned, deliveries.
	Type string `yaml:"type"`

	// Shape is the shape to check (position).
	Shape string `yaml:"shape,omitempty"`

	// Expect holds the expected fields, subset match (position).
	// Keys: x, y, diff_x, diff_y, angle.
	Expect map[string]float64 `yaml:"expect,omitempty"`

	// Owner and Shapes give the expected set of owned shapes (owned).
	Owner  string   `yaml:"owner,omitempty"`
	Shapes []string `yaml:"shapes,omitempty"`

	// Observer and Count give the expected number of deliveries (deliveries).
	Observer string `yaml:"observer,omitempty"`
	Count    int    `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertPosition   = "position"
	AssertOwned      = "owned"
	AssertDeliveries = "deliveries"
)

var positionFields = map[string]bool{
	"x": true, "y": true, "diff_x": true, "diff_y": true, "angle": true,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed, contains unknown
// fields (typos), or fails validation.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
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

// tickInterval returns the parsed tick interval or the default.
func (s *Scenario) tickInterval() time.Duration {
	if s.TickInterval == "" {
		return DefaultTickInterval
	}
	d, _ := time.ParseDuration(s.TickInterval)
	return d
}

func (s *Scenario) seed() int64 {
	if s.Seed == 0 {
		return DefaultSeed
	}
	return s.Seed
}

func (s *Scenario) replicas() int {
	if s.Replicas == 0 {
		return DefaultReplicas
	}
	return s.Replicas
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.TickInterval != "" {
		d, err := time.ParseDuration(s.TickInterval)
		if err != nil {
			return fmt.Errorf("tick_interval: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("tick_interval must be positive")
		}
	}
	if s.Replicas < 0 {
		return fmt.Errorf("replicas must not be negative")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	seen := make(map[string]bool)
	for i, decl := range s.Shapes {
		if err := validateID(decl.ID); err != nil {
			return fmt.Errorf("shapes[%d].id: %w", i, err)
		}
		if seen[decl.ID] {
			return fmt.Errorf("shapes[%d]: duplicate id %s", i, decl.ID)
		}
		seen[decl.ID] = true
		if in := decl.Initial; in != nil {
			if !unit(in.DiffX) || !unit(in.DiffY) {
				return fmt.Errorf("shapes[%d].initial: diff_x and diff_y must be -1 or 1", i)
			}
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(step, s.replicas()); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step, replicas int) error {
	kind := step.Kind()
	if kind == "" {
		return fmt.Errorf("exactly one action is required")
	}

	if step.ExpectError != "" && !knownCode(step.ExpectError) {
		return fmt.Errorf("unknown expect_error code %q", step.ExpectError)
	}

	switch kind {
	case StepActivate:
		return validateID(step.Activate)
	case StepDeactivate:
		return validateID(step.Deactivate)
	case StepRemove:
		return validateID(step.Remove)
	case StepTick:
		if step.Tick < 0 {
			return fmt.Errorf("tick must be positive")
		}
	case StepSubscribe, StepUnsubscribe:
		sub := step.Subscribe
		if sub == nil {
			sub = step.Unsubscribe
		}
		if err := validateID(sub.Shape); err != nil {
			return fmt.Errorf("%s.shape: %w", kind, err)
		}
		if sub.Observer == "" {
			return fmt.Errorf("%s.observer is required", kind)
		}
		if sub.Lease != "" {
			if _, err := time.ParseDuration(sub.Lease); err != nil {
				return fmt.Errorf("%s.lease: %w", kind, err)
			}
		}
	case StepAdd:
		if err := validateID(step.Add.Shape); err != nil {
			return fmt.Errorf("add.shape: %w", err)
		}
		if err := validateID(step.Add.Owner); err != nil {
			return fmt.Errorf("add.owner: %w", err)
		}
	case StepReplicasDown:
		if step.ReplicasDown < 0 || step.ReplicasDown > replicas {
			return fmt.Errorf("replicas_down must be between 1 and %d", replicas)
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertPosition:
		if err := validateID(a.Shape); err != nil {
			return fmt.Errorf("shape: %w", err)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("expect is required for position")
		}
		for k := range a.Expect {
			if !positionFields[k] {
				return fmt.Errorf("unknown position field %q", k)
			}
		}
	case AssertOwned:
		if err := validateID(a.Owner); err != nil {
			return fmt.Errorf("owner: %w", err)
		}
		for i, id := range a.Shapes {
			if err := validateID(id); err != nil {
				return fmt.Errorf("shapes[%d]: %w", i, err)
			}
		}
	case AssertDeliveries:
		if a.Observer == "" {
			return fmt.Errorf("observer is required for deliveries")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func validateID(s string) error {
	if s == "" {
		return fmt.Errorf("id is required")
	}
	if _, err := uuid.Parse(s); err != nil {
		return fmt.Errorf("invalid id %q: %w", s, err)
	}
	return nil
}

func knownCode(code string) bool {
	for _, c := range fault.Codes {
		if string(c) == code {
			return true
		}
	}
	return false
}

func unit(v float64) bool {
	return v == 1 || v == -1
}
