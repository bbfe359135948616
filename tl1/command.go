package tl1

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultCTAG is used when a caller renders a command without a tag.
const DefaultCTAG = "1"

// BuiltCommand is one rendered command. It is immutable; accessors return
// copies where the underlying value is mutable.
type BuiltCommand struct {
	wire   string
	spec   CommandSpec
	params map[string]string
	tid    string
	aid    string
	ctag   string
}

func (c BuiltCommand) Wire() string      { return c.wire }
func (c BuiltCommand) String() string    { return c.wire }
func (c BuiltCommand) Spec() CommandSpec { return c.spec }
func (c BuiltCommand) TID() string       { return c.tid }
func (c BuiltCommand) AID() string       { return c.aid }
func (c BuiltCommand) CTAG() string      { return c.ctag }

// Params returns a copy of the parameter map the command was built from.
func (c BuiltCommand) Params() map[string]string {
	out := make(map[string]string, len(c.params))
	for k, v := range c.params {
		out[k] = v
	}
	return out
}

// Purpose: Render a command spec into VERB[-MOD]-OBJ:TID:AID:CTAG::P=v,...;
// Key aspects: Pure; TID/AID verbatim; empty params dropped; deterministic
// parameter order (required, optional, then the rest sorted).
// Upstream: Builder.Build, playbook steps, console BUILD.
// Downstream: None.
func Render(spec CommandSpec, tid, aid, ctag string, params map[string]string) (BuiltCommand, []string) {
	var warnings []string
	if strings.TrimSpace(ctag) == "" {
		ctag = DefaultCTAG
		warnings = append(warnings, fmt.Sprintf("CTAG is required, defaulting to '%s'", DefaultCTAG))
	}

	clean := make(map[string]string, len(params))
	for k, v := range params {
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		clean[k] = v
	}

	known := make(map[string]struct{}, len(spec.Required)+len(spec.Optional))
	order := make([]string, 0, len(clean))
	emit := func(name string) {
		if _, seen := known[name]; seen {
			return
		}
		known[name] = struct{}{}
		if _, ok := clean[name]; ok {
			order = append(order, name)
		}
	}
	for _, name := range spec.Required {
		emit(name)
	}
	for _, name := range spec.Optional {
		emit(name)
	}
	var extra []string
	for name := range clean {
		if _, ok := known[name]; !ok {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	order = append(order, extra...)

	pairs := make([]string, 0, len(order))
	for _, name := range order {
		pairs = append(pairs, name+"="+clean[name])
	}
	wire := spec.Code() + ":" + tid + ":" + aid + ":" + ctag + "::" + strings.Join(pairs, ",") + ";"

	if spec.ServiceAffecting {
		warnings = append(warnings, "WARNING: This command is service-affecting!")
	}
	if spec.Safety == SafetyCaution || spec.Safety == SafetyCritical {
		warnings = append(warnings, fmt.Sprintf("CAUTION: Safety level is '%s'", spec.Safety))
	}
	// Specs without declared parameters (literal codes) accept anything.
	if len(spec.Required)+len(spec.Optional) > 0 {
		for _, name := range extra {
			warnings = append(warnings, fmt.Sprintf("Unknown parameter %s", name))
		}
	}
	for _, name := range missingRequired(spec, tid, aid, clean) {
		warnings = append(warnings, fmt.Sprintf("Missing required parameter %s", name))
	}

	return BuiltCommand{
		wire:   wire,
		spec:   spec,
		params: clean,
		tid:    tid,
		aid:    aid,
		ctag:   ctag,
	}, warnings
}

// missingRequired lists required names with no value. TID and AID entries are
// satisfied by the positional fields; CTAG is always present.
func missingRequired(spec CommandSpec, tid, aid string, params map[string]string) []string {
	var missing []string
	for _, name := range spec.Required {
		switch strings.ToUpper(name) {
		case "TID":
			if strings.TrimSpace(tid) == "" {
				if _, ok := params[name]; !ok {
					missing = append(missing, name)
				}
			}
			continue
		case "AID":
			if strings.TrimSpace(aid) == "" {
				if _, ok := params[name]; !ok {
					missing = append(missing, name)
				}
			}
			continue
		case "CTAG":
			continue
		}
		if _, ok := params[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// Builder resolves catalog ids and renders commands. In strict mode a
// missing required parameter is an error rather than a warning.
type Builder struct {
	lookup Lookup
	strict bool
}

func NewBuilder(lookup Lookup, strict bool) *Builder {
	return &Builder{lookup: lookup, strict: strict}
}

// Spec returns the catalog entry for id or a NotFound SpecError carrying
// suggestions when the lookup offers them.
func (b *Builder) Spec(id string) (CommandSpec, error) {
	id = strings.TrimSpace(id)
	if b.lookup != nil {
		if spec, ok := b.lookup.CommandSpec(id); ok {
			return spec, nil
		}
	}
	err := &SpecError{Kind: SpecNotFound, ID: id}
	if s, ok := b.lookup.(Suggester); ok {
		err.Suggestions = s.Suggest(id, 3)
	}
	return CommandSpec{}, err
}

// Build renders the catalog command id. No I/O happens; a SpecError is
// returned before anything reaches a device.
func (b *Builder) Build(id, tid, aid, ctag string, params map[string]string) (BuiltCommand, []string, error) {
	spec, err := b.Spec(id)
	if err != nil {
		return BuiltCommand{}, nil, err
	}
	return b.BuildSpec(spec, tid, aid, ctag, params)
}

// BuildSpec renders an already resolved spec, applying the strict check.
func (b *Builder) BuildSpec(spec CommandSpec, tid, aid, ctag string, params map[string]string) (BuiltCommand, []string, error) {
	if b.strict {
		clean := make(map[string]string, len(params))
		for k, v := range params {
			if strings.TrimSpace(v) != "" {
				clean[strings.TrimSpace(k)] = v
			}
		}
		if missing := missingRequired(spec, tid, aid, clean); len(missing) > 0 {
			return BuiltCommand{}, nil, &SpecError{Kind: SpecMissingRequiredParameter, ID: spec.ID, Param: missing[0]}
		}
	}
	cmd, warnings := Render(spec, tid, aid, ctag, params)
	return cmd, warnings, nil
}

// Resolve maps a playbook command template to a spec: a catalog id first,
// then a literal VERB[-MOD]-OBJECT code.
func (b *Builder) Resolve(template string) (CommandSpec, error) {
	template = strings.TrimSpace(template)
	if b.lookup != nil {
		if spec, ok := b.lookup.CommandSpec(template); ok {
			return spec, nil
		}
	}
	if spec, err := ParseCode(template); err == nil {
		return spec, nil
	}
	return b.Spec(template)
}

// ParseCode builds an ad hoc spec from a literal command code such as
// RTRV-ALM-ALL. The resulting CommandSpec id is the code itself.
func ParseCode(code string) (CommandSpec, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	parts := strings.Split(code, "-")
	if len(parts) < 2 {
		return CommandSpec{}, &SpecError{Kind: SpecInvalid, ID: code, Msg: "command code needs VERB-OBJECT"}
	}
	spec := CommandSpec{
		ID:     code,
		Verb:   parts[0],
		Object: parts[len(parts)-1],
		Safety: SafetySafe,
	}
	if len(parts) > 2 {
		spec.Modifier = strings.Join(parts[1:len(parts)-1], "-")
	}
	if err := spec.Validate(); err != nil {
		return CommandSpec{}, err
	}
	return spec, nil
}

// WithCTAG replaces the CTAG field of a raw wire string, adding vacant
// TID/AID fields when the string stops short of them.
func WithCTAG(wire, ctag string) string {
	body := strings.TrimSpace(wire)
	body = strings.TrimSuffix(body, ";")
	fields := strings.SplitN(body, ":", 5)
	for len(fields) < 4 {
		fields = append(fields, "")
	}
	fields[3] = ctag
	return strings.Join(fields, ":") + ";"
}

// CTAGOf extracts the CTAG field from a wire string, or "" when absent.
func CTAGOf(wire string) string {
	fields := strings.SplitN(strings.TrimSuffix(strings.TrimSpace(wire), ";"), ":", 5)
	if len(fields) < 4 {
		return ""
	}
	return fields[3]
}
