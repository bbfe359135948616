package playbook

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"tl1assist/tl1"
)

const sampleYAML = `
troubleshooting:
  - id: los
    name: Loss of Signal
    description: Walk an OC-n port with LOS
    steps:
      - id: "1"
        name: Retrieve alarms
        command: RTRV-ALM-OCN
        params:
          AID: $AID
        expectedResponse: COMPLD
        onError: abort
      - name: Retrieve PM
        command: RTRV-PM-OCN
        params:
          AID: $AID
provisioning:
  - id: ds1
    name: Provision DS1
    steps:
      - id: "1"
        command: ENT-T1
        preview: true
`

const sampleJSON = `{
  "troubleshooting": [
    {"id": "hdr", "name": "Header", "steps": [{"id": "1", "command": "RTRV-HDR", "expectedResponse": "DENY", "onError": "continue"}]}
  ]
}`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	lib, err := LoadFile(writeFile(t, "playbooks.yaml", sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	pb, err := lib.Get("Loss of Signal")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if pb.ID != "los" || pb.Section != SectionTroubleshooting || len(pb.Steps) != 2 {
		t.Fatalf("unexpected playbook %+v", pb)
	}
	first, second := pb.Steps[0], pb.Steps[1]
	if first.OnError != OnErrorAbort || first.Expect != tl1.Completed || first.Params["AID"] != "$AID" {
		t.Fatalf("unexpected first step %+v", first)
	}
	if second.ID != "2" || second.OnError != OnErrorContinue || second.Expect != tl1.Completed {
		t.Fatalf("defaults not applied to second step %+v", second)
	}
	prov, err := lib.Get("ds1")
	if err != nil || prov.Section != SectionProvisioning || !prov.Steps[0].Preview {
		t.Fatalf("unexpected provisioning playbook %+v err=%v", prov, err)
	}
	if list := lib.List(); len(list) != 2 || list[0].ID != "los" {
		t.Fatalf("unexpected list order %+v", list)
	}
}

func TestLoadJSON(t *testing.T) {
	lib, err := LoadFile(writeFile(t, "playbooks.json", sampleJSON))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	pb, err := lib.Get("HDR")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if pb.Steps[0].Expect != tl1.Denied {
		t.Fatalf("expected DENY expectation, got %s", pb.Steps[0].Expect)
	}
}

func TestLoadRejectsBadDefinitions(t *testing.T) {
	cases := map[string]string{
		"expect":  "troubleshooting:\n  - id: x\n    steps:\n      - command: RTRV-HDR\n        expectedResponse: MAYBE\n",
		"onError": "troubleshooting:\n  - id: x\n    steps:\n      - command: RTRV-HDR\n        onError: retry\n",
		"empty":   "troubleshooting:\n  - id: x\n",
		"dup":     "troubleshooting:\n  - id: x\n    steps: [{command: RTRV-HDR}]\nprovisioning:\n  - id: X\n    steps: [{command: RTRV-HDR}]\n",
	}
	for name, body := range cases {
		_, err := LoadFile(writeFile(t, name+".yaml", body))
		var perr *Error
		if !errors.As(err, &perr) || perr.Kind != ErrInvalid {
			t.Fatalf("%s: expected invalid playbook error, got %v", name, err)
		}
	}
}

func TestLibraryHandsOutCopies(t *testing.T) {
	lib, err := NewLibrary(twoSteps(OnErrorAbort))
	if err != nil {
		t.Fatalf("library: %v", err)
	}
	pb, _ := lib.Get("pair")
	pb.Steps[0].Params["AID"] = "changed"
	pb.Steps[1].Command = "changed"
	again, _ := lib.Get("pair")
	if again.Steps[0].Params["AID"] != "$AID" || again.Steps[1].Command != "RTRV-ALM-ALL" {
		t.Fatalf("library definition mutated: %+v", again.Steps)
	}
}

