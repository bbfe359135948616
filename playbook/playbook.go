// Package playbook runs named multi-step TL1 sequences against one device.
// A Library holds the immutable playbook definitions; an Engine drives a run
// step by step through a Session and reports progress as a typed event
// stream.
package playbook

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"tl1assist/tl1"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	SectionTroubleshooting = "troubleshooting"
	SectionProvisioning    = "provisioning"
)

// OnError is the per-step failure policy.
type OnError string

const (
	OnErrorContinue OnError = "continue"
	OnErrorAbort    OnError = "abort"
)

// Step is one command of a playbook. Command is a catalog id or a literal
// VERB[-MOD]-OBJECT code; Params values may reference $VAR or ${VAR}.
type Step struct {
	ID      string
	Name    string
	Command string
	Params  map[string]string
	Expect  tl1.Kind
	OnError OnError
	Preview bool
}

// Playbook is an ordered list of steps plus metadata.
type Playbook struct {
	ID          string
	Name        string
	Description string
	Section     string
	Steps       []Step
}

func (p Playbook) clone() Playbook {
	steps := make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		params := make(map[string]string, len(s.Params))
		for k, v := range s.Params {
			params[k] = v
		}
		s.Params = params
		steps[i] = s
	}
	p.Steps = steps
	return p
}

// Label is the display name, falling back to the id.
func (p Playbook) Label() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// ErrorKind classifies playbook failures.
type ErrorKind int

const (
	ErrUnknownFlow ErrorKind = iota
	ErrStepAborted
	ErrNoPreviewStep
	ErrInvalid
)

func (k ErrorKind) String() string {
	switch k {
	case ErrUnknownFlow:
		return "unknown flow"
	case ErrStepAborted:
		return "step aborted"
	case ErrNoPreviewStep:
		return "no preview step"
	default:
		return "invalid playbook"
	}
}

// Error reports an unknown playbook, an aborted run or a bad definition.
type Error struct {
	Kind   ErrorKind
	Flow   string
	StepID string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "playbook %q: %s", e.Flow, e.Kind)
	if e.StepID != "" {
		fmt.Fprintf(&b, " at step %s", e.StepID)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

type fileStep struct {
	ID       string            `yaml:"id" json:"id"`
	Name     string            `yaml:"name" json:"name"`
	Command  string            `yaml:"command" json:"command"`
	Params   map[string]string `yaml:"params" json:"params"`
	Expected string            `yaml:"expectedResponse" json:"expectedResponse"`
	OnError  string            `yaml:"onError" json:"onError"`
	Preview  bool              `yaml:"preview" json:"preview"`
}

type filePlaybook struct {
	ID          string     `yaml:"id" json:"id"`
	Name        string     `yaml:"name" json:"name"`
	Description string     `yaml:"description" json:"description"`
	Steps       []fileStep `yaml:"steps" json:"steps"`
}

type fileLayout struct {
	Troubleshooting []filePlaybook `yaml:"troubleshooting" json:"troubleshooting"`
	Provisioning    []filePlaybook `yaml:"provisioning" json:"provisioning"`
}

// Library is a read-only set of playbooks. Callers always receive copies.
type Library struct {
	mu    sync.RWMutex
	books []Playbook
}

// NewLibrary validates books and indexes them.
func NewLibrary(books ...Playbook) (*Library, error) {
	seen := make(map[string]struct{}, len(books))
	out := make([]Playbook, 0, len(books))
	for _, b := range books {
		if err := validate(b); err != nil {
			return nil, err
		}
		key := strings.ToLower(b.ID)
		if _, dup := seen[key]; dup {
			return nil, &Error{Kind: ErrInvalid, Flow: b.ID, Err: errors.New("duplicate id")}
		}
		seen[key] = struct{}{}
		out = append(out, b.clone())
	}
	return &Library{books: out}, nil
}

// LoadFile reads a YAML or JSON file with troubleshooting and provisioning
// sections.
func LoadFile(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("playbook: read %s: %w", path, err)
	}
	var raw fileLayout
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &raw)
	default:
		err = yaml.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("playbook: parse %s: %w", path, err)
	}
	var books []Playbook
	for _, section := range []struct {
		name  string
		books []filePlaybook
	}{{SectionTroubleshooting, raw.Troubleshooting}, {SectionProvisioning, raw.Provisioning}} {
		for _, fb := range section.books {
			b, err := fb.toPlaybook(section.name)
			if err != nil {
				return nil, err
			}
			books = append(books, b)
		}
	}
	lib, err := NewLibrary(books...)
	if err != nil {
		return nil, err
	}
	log.Printf("Playbooks: loaded %d playbooks from %s", len(books), path)
	return lib, nil
}

func (fb filePlaybook) toPlaybook(section string) (Playbook, error) {
	b := Playbook{
		ID:          strings.TrimSpace(fb.ID),
		Name:        strings.TrimSpace(fb.Name),
		Description: strings.TrimSpace(fb.Description),
		Section:     section,
	}
	if b.ID == "" {
		b.ID = b.Name
	}
	for i, fs := range fb.Steps {
		expect, ok := tl1.ParseKind(fs.Expected)
		if !ok {
			return Playbook{}, &Error{Kind: ErrInvalid, Flow: b.ID, StepID: fs.ID, Err: fmt.Errorf("unknown expectedResponse %q", fs.Expected)}
		}
		onErr := OnError(strings.ToLower(strings.TrimSpace(fs.OnError)))
		if onErr == "" {
			onErr = OnErrorContinue
		}
		id := strings.TrimSpace(fs.ID)
		if id == "" {
			id = strconv.Itoa(i + 1)
		}
		b.Steps = append(b.Steps, Step{
			ID:      id,
			Name:    strings.TrimSpace(fs.Name),
			Command: strings.TrimSpace(fs.Command),
			Params:  fs.Params,
			Expect:  expect,
			OnError: onErr,
			Preview: fs.Preview,
		})
	}
	return b, nil
}

func validate(b Playbook) error {
	if strings.TrimSpace(b.ID) == "" {
		return &Error{Kind: ErrInvalid, Err: errors.New("playbook needs an id or name")}
	}
	if len(b.Steps) == 0 {
		return &Error{Kind: ErrInvalid, Flow: b.ID, Err: errors.New("no steps")}
	}
	for _, s := range b.Steps {
		if s.Command == "" {
			return &Error{Kind: ErrInvalid, Flow: b.ID, StepID: s.ID, Err: errors.New("step has no command")}
		}
		if s.OnError != OnErrorContinue && s.OnError != OnErrorAbort {
			return &Error{Kind: ErrInvalid, Flow: b.ID, StepID: s.ID, Err: fmt.Errorf("onError %q", s.OnError)}
		}
	}
	return nil
}

// Get finds a playbook by id or name.
func (l *Library) Get(name string) (Playbook, error) {
	name = strings.TrimSpace(name)
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, b := range l.books {
		if strings.EqualFold(b.ID, name) || strings.EqualFold(b.Name, name) {
			return b.clone(), nil
		}
	}
	return Playbook{}, &Error{Kind: ErrUnknownFlow, Flow: name}
}

// List returns every playbook ordered by section then id.
func (l *Library) List() []Playbook {
	l.mu.RLock()
	out := make([]Playbook, 0, len(l.books))
	for _, b := range l.books {
		out = append(out, b.clone())
	}
	l.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Section != out[j].Section {
			return out[i].Section > out[j].Section
		}
		return out[i].ID < out[j].ID
	})
	return out
}
