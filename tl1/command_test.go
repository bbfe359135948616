package tl1

import (
	"errors"
	"strings"
	"testing"
)

func alarmSpec() CommandSpec {
	return CommandSpec{ID: "RTRV-ALM-ALL", Verb: "RTRV", Modifier: "ALM", Object: "ALL", Safety: SafetySafe}
}

func TestRenderAlarmRetrieve(t *testing.T) {
	cmd, warnings := Render(alarmSpec(), "SITE01", "", "123", nil)
	if cmd.Wire() != "RTRV-ALM-ALL:SITE01::123::;" {
		t.Fatalf("unexpected wire %q", cmd.Wire())
	}
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}
	if cmd.TID() != "SITE01" || cmd.AID() != "" || cmd.CTAG() != "123" {
		t.Fatalf("identifiers not kept: tid=%q aid=%q ctag=%q", cmd.TID(), cmd.AID(), cmd.CTAG())
	}
}

func TestRenderDefaultsCTAGWithWarning(t *testing.T) {
	cmd, warnings := Render(alarmSpec(), "", "", "", nil)
	if cmd.CTAG() != DefaultCTAG || !strings.Contains(cmd.Wire(), ":::1::") {
		t.Fatalf("expected default ctag, got %q", cmd.Wire())
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "CTAG") {
		t.Fatalf("expected ctag warning, got %v", warnings)
	}
}

func TestRenderDropsEmptyParamsAndOrdersThem(t *testing.T) {
	spec := CommandSpec{
		ID: "ED-T1", Verb: "ED", Object: "T1", Safety: SafetySafe,
		Required: []string{"LINECDE"},
		Optional: []string{"FMT", "LBO"},
	}
	params := map[string]string{
		"LBO":     "1",
		"FMT":     "",
		"LINECDE": "B8ZS",
		"ZZZ":     "x",
		"AAA":     "y",
		"EMPTY":   "   ",
	}
	cmd, warnings := Render(spec, "NE1", "T1-1", "5", params)
	want := "ED-T1:NE1:T1-1:5::LINECDE=B8ZS,LBO=1,AAA=y,ZZZ=x;"
	if cmd.Wire() != want {
		t.Fatalf("expected %q, got %q", want, cmd.Wire())
	}
	if strings.Contains(cmd.Wire(), "=,") || strings.Contains(cmd.Wire(), "=;") {
		t.Fatalf("empty parameter emitted: %q", cmd.Wire())
	}
	unknown := 0
	for _, w := range warnings {
		if strings.HasPrefix(w, "Unknown parameter") {
			unknown++
		}
	}
	if unknown != 2 {
		t.Fatalf("expected two unknown parameter warnings, got %v", warnings)
	}
}

func TestRenderNeverEmitsEmptyValues(t *testing.T) {
	spec := CommandSpec{
		ID: "ENT-CRS-STS1", Verb: "ENT", Modifier: "CRS", Object: "STS1", Safety: SafetySafe,
		Required: []string{"A", "B"},
		Optional: []string{"C", "D"},
	}
	maps := []map[string]string{
		{"A": "1"},
		{"A": "1", "B": "", "C": "3"},
		{"B": "2", "D": ""},
		{"A": "", "B": "", "C": "", "D": "4"},
	}
	for _, params := range maps {
		cmd, _ := Render(spec, "T", "AID-1", "9", params)
		wire := cmd.Wire()
		if !strings.HasPrefix(wire, "ENT-CRS-STS1:T:AID-1:9::") || !strings.HasSuffix(wire, ";") {
			t.Fatalf("bad shape %q", wire)
		}
		tail := strings.TrimSuffix(strings.TrimPrefix(wire, "ENT-CRS-STS1:T:AID-1:9::"), ";")
		if tail == "" {
			continue
		}
		for _, pair := range strings.Split(tail, ",") {
			kv := strings.SplitN(pair, "=", 2)
			if len(kv) != 2 || kv[1] == "" {
				t.Fatalf("empty parameter in %q", wire)
			}
		}
	}
}

func TestRenderSafetyWarnings(t *testing.T) {
	spec := CommandSpec{ID: "DLT-EQPT", Verb: "DLT", Object: "EQPT", ServiceAffecting: true, Safety: SafetyCritical}
	_, warnings := Render(spec, "", "SLOT-1", "2", nil)
	joined := strings.Join(warnings, "|")
	if !strings.Contains(joined, "service-affecting") || !strings.Contains(joined, "critical") {
		t.Fatalf("expected service and safety warnings, got %v", warnings)
	}
}

func TestBuiltCommandParamsIsACopy(t *testing.T) {
	cmd, _ := Render(alarmSpec(), "", "", "1", map[string]string{"K": "v"})
	p := cmd.Params()
	p["K"] = "changed"
	if cmd.Params()["K"] != "v" {
		t.Fatalf("built command mutated through Params")
	}
}

func TestBuilderNotFoundCarriesSuggestions(t *testing.T) {
	b := NewBuilder(suggestingLookup{MapLookup{"RTRV-ALM-ALL": alarmSpec()}}, false)
	_, _, err := b.Build("RTRV-ALM-AL", "", "", "1", nil)
	var se *SpecError
	if !errors.As(err, &se) || se.Kind != SpecNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(se.Suggestions) != 1 || se.Suggestions[0] != "RTRV-ALM-ALL" {
		t.Fatalf("unexpected suggestions %v", se.Suggestions)
	}
}

func TestBuilderStrictMissingRequired(t *testing.T) {
	spec := CommandSpec{ID: "ED-T1", Verb: "ED", Object: "T1", Safety: SafetySafe, Required: []string{"AID", "LINECDE"}}
	lookup := MapLookup{"ED-T1": spec}

	_, _, err := NewBuilder(lookup, true).Build("ED-T1", "", "T1-1", "1", nil)
	var se *SpecError
	if !errors.As(err, &se) || se.Kind != SpecMissingRequiredParameter || se.Param != "LINECDE" {
		t.Fatalf("expected missing LINECDE, got %v", err)
	}

	cmd, warnings, err := NewBuilder(lookup, false).Build("ED-T1", "", "T1-1", "1", nil)
	if err != nil {
		t.Fatalf("lenient build failed: %v", err)
	}
	if cmd.Wire() != "ED-T1::T1-1:1::;" {
		t.Fatalf("unexpected wire %q", cmd.Wire())
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "LINECDE") {
		t.Fatalf("expected missing parameter warning, got %v", warnings)
	}
}

func TestResolvePrefersCatalogThenLiteral(t *testing.T) {
	custom := CommandSpec{ID: "alarms", Verb: "RTRV", Object: "ALM", Modifier: "COND", Safety: SafetySafe}
	b := NewBuilder(MapLookup{"alarms": custom}, false)
	spec, err := b.Resolve("alarms")
	if err != nil || spec.Code() != "RTRV-COND-ALM" {
		t.Fatalf("expected catalog spec, got %+v err=%v", spec, err)
	}
	spec, err = b.Resolve("RTRV-HDR")
	if err != nil || spec.Verb != "RTRV" || spec.Object != "HDR" || spec.Modifier != "" {
		t.Fatalf("expected literal spec, got %+v err=%v", spec, err)
	}
	if _, err := b.Resolve("garbage"); err == nil {
		t.Fatalf("expected error for unresolvable template")
	}
}

func TestValidateRejectsLowercaseTokens(t *testing.T) {
	bad := CommandSpec{ID: "x", Verb: "rtrv", Object: "ALM", Safety: SafetySafe}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
	dup := CommandSpec{ID: "y", Verb: "RTRV", Object: "ALM", Safety: SafetySafe, Required: []string{"A"}, Optional: []string{"A"}}
	if err := dup.Validate(); err == nil {
		t.Fatalf("expected duplicate parameter error")
	}
	if err := alarmSpec().Validate(); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}
}

func TestParseSafetyLevelAlias(t *testing.T) {
	level, err := ParseSafetyLevel("dangerous")
	if err != nil || level != SafetyCritical {
		t.Fatalf("expected critical, got %q err=%v", level, err)
	}
	if _, err := ParseSafetyLevel("yolo"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestWithCTAG(t *testing.T) {
	cases := map[string]string{
		"RTRV-HDR:::7::;":          "RTRV-HDR:::42::;",
		"RTRV-HDR":                 "RTRV-HDR:::42;",
		"ED-T1:NE:T1-1:3::A=1:2;":  "ED-T1:NE:T1-1:42::A=1:2;",
		" RTRV-ALM-ALL:SITE01::; ": "RTRV-ALM-ALL:SITE01::42;",
	}
	for in, want := range cases {
		if got := WithCTAG(in, "42"); got != want {
			t.Fatalf("WithCTAG(%q) = %q, want %q", in, got, want)
		}
	}
	if CTAGOf("RTRV-HDR:::42::;") != "42" || CTAGOf("RTRV-HDR;") != "" {
		t.Fatalf("CTAGOf mismatch")
	}
}

type suggestingLookup struct{ MapLookup }

func (s suggestingLookup) Suggest(id string, limit int) []string {
	var out []string
	for key := range s.MapLookup {
		if strings.HasPrefix(key, id) {
			out = append(out, key)
		}
	}
	return out
}
