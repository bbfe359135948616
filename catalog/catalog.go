// Package catalog loads the TL1 command catalog from disk and serves it as a
// read-only tl1.Lookup. Reload swaps in a new snapshot atomically; callers
// holding an older snapshot's specs are unaffected.
package catalog

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"tl1assist/tl1"

	lev "github.com/agnivade/levenshtein"
	jsoniter "github.com/json-iterator/go"
	"github.com/zeebo/xxh3"
	"gopkg.in/yaml.v3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// commandRecord mirrors one entry of the catalog file.
type commandRecord struct {
	Verb             string   `json:"verb" yaml:"verb"`
	Object           string   `json:"object" yaml:"object"`
	Modifier         string   `json:"modifier" yaml:"modifier"`
	Requires         []string `json:"requires" yaml:"requires"`
	Required         []string `json:"required" yaml:"required"`
	Optional         []string `json:"optional" yaml:"optional"`
	ServiceAffecting bool     `json:"service_affecting" yaml:"service_affecting"`
	SafetyLevel      string   `json:"safety_level" yaml:"safety_level"`
	DisplayName      string   `json:"displayName" yaml:"displayName"`
	Name             string   `json:"name" yaml:"name"`
	Category         string   `json:"category" yaml:"category"`
	Description      string   `json:"description" yaml:"description"`
	Platforms        []string `json:"platforms" yaml:"platforms"`
}

type categoryRecord struct {
	Description string `json:"description" yaml:"description"`
	Icon        string `json:"icon" yaml:"icon"`
}

type fileFormat struct {
	Commands   map[string]commandRecord  `json:"commands" yaml:"commands"`
	Categories map[string]categoryRecord `json:"categories" yaml:"categories"`
}

// Category summarizes one catalog category.
type Category struct {
	Name        string
	Description string
	Icon        string
	Count       int
}

type snapshot struct {
	specs       map[string]tl1.CommandSpec
	ids         []string
	categories  map[string]categoryRecord
	fingerprint uint64
	loadedAt    time.Time
}

// Catalog is safe for concurrent use.
type Catalog struct {
	path string
	snap atomic.Pointer[snapshot]
}

// Load reads and validates the catalog at path.
func Load(path string) (*Catalog, error) {
	c := &Catalog{path: path}
	if _, err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// New builds an in-memory catalog from specs. Each spec is validated.
func New(specs []tl1.CommandSpec) (*Catalog, error) {
	snap := &snapshot{specs: make(map[string]tl1.CommandSpec, len(specs)), loadedAt: time.Now().UTC()}
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if _, dup := snap.specs[spec.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate command id %q", spec.ID)
		}
		snap.specs[spec.ID] = spec
	}
	snap.index()
	c := &Catalog{}
	c.snap.Store(snap)
	return c, nil
}

// Purpose: Re-read the catalog file and swap in the new snapshot.
// Key aspects: Skips the swap when the xxh3 content fingerprint is unchanged;
// a file that fails validation leaves the current snapshot in place.
// Upstream: Load, console SHOW/CATALOG RELOAD.
// Downstream: parse, tl1.CommandSpec.Validate.
func (c *Catalog) Reload() (bool, error) {
	if c.path == "" {
		return false, errors.New("catalog: no file to reload")
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return false, fmt.Errorf("catalog: read %s: %w", c.path, err)
	}
	sum := xxh3.Hash(data)
	if cur := c.snap.Load(); cur != nil && cur.fingerprint == sum {
		return false, nil
	}
	snap, err := parse(data, formatOf(c.path, data))
	if err != nil {
		return false, fmt.Errorf("catalog: %s: %w", c.path, err)
	}
	snap.fingerprint = sum
	c.snap.Store(snap)
	log.Printf("Catalog: loaded %d commands from %s", len(snap.ids), c.path)
	return true, nil
}

func formatOf(path string, data []byte) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	}
	if trimmed := strings.TrimSpace(string(data)); strings.HasPrefix(trimmed, "{") {
		return "json"
	}
	return "yaml"
}

func parse(data []byte, format string) (*snapshot, error) {
	var raw fileFormat
	var err error
	if format == "json" {
		err = json.Unmarshal(data, &raw)
	} else {
		err = yaml.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", format, err)
	}
	snap := &snapshot{
		specs:      make(map[string]tl1.CommandSpec, len(raw.Commands)),
		categories: raw.Categories,
		loadedAt:   time.Now().UTC(),
	}
	for id, rec := range raw.Commands {
		spec, err := rec.toSpec(id)
		if err != nil {
			return nil, err
		}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		snap.specs[spec.ID] = spec
	}
	snap.index()
	return snap, nil
}

func (r commandRecord) toSpec(id string) (tl1.CommandSpec, error) {
	safety, err := tl1.ParseSafetyLevel(r.SafetyLevel)
	if err != nil {
		return tl1.CommandSpec{}, fmt.Errorf("command %q: %w", id, err)
	}
	required := r.Requires
	if len(required) == 0 {
		required = r.Required
	}
	name := r.DisplayName
	if name == "" {
		name = r.Name
	}
	if name == "" {
		name = id
	}
	category := r.Category
	if category == "" {
		category = "Other"
	}
	return tl1.CommandSpec{
		ID:               strings.TrimSpace(id),
		Verb:             strings.TrimSpace(r.Verb),
		Object:           strings.TrimSpace(r.Object),
		Modifier:         strings.TrimSpace(r.Modifier),
		Required:         append([]string(nil), required...),
		Optional:         append([]string(nil), r.Optional...),
		ServiceAffecting: r.ServiceAffecting,
		Safety:           safety,
		Name:             name,
		Category:         category,
		Description:      r.Description,
		Platforms:        append([]string(nil), r.Platforms...),
	}, nil
}

func (s *snapshot) index() {
	s.ids = make([]string, 0, len(s.specs))
	for id := range s.specs {
		s.ids = append(s.ids, id)
	}
	sort.Strings(s.ids)
}

func (c *Catalog) current() *snapshot {
	if snap := c.snap.Load(); snap != nil {
		return snap
	}
	return &snapshot{}
}

// CommandSpec implements tl1.Lookup.
func (c *Catalog) CommandSpec(id string) (tl1.CommandSpec, bool) {
	spec, ok := c.current().specs[strings.TrimSpace(id)]
	return spec, ok
}

// Len returns the number of commands.
func (c *Catalog) Len() int { return len(c.current().ids) }

// IDs returns all command ids, sorted.
func (c *Catalog) IDs() []string {
	return append([]string(nil), c.current().ids...)
}

// LoadedAt reports when the current snapshot was built.
func (c *Catalog) LoadedAt() time.Time { return c.current().loadedAt }

// Commands returns the specs available on platform (all when empty), sorted
// by display name.
func (c *Catalog) Commands(platform string) []tl1.CommandSpec {
	snap := c.current()
	out := make([]tl1.CommandSpec, 0, len(snap.specs))
	for _, id := range snap.ids {
		spec := snap.specs[id]
		if platform != "" && !hasPlatform(spec, platform) {
			continue
		}
		out = append(out, spec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Categories lists categories that hold at least one command on platform.
// Categories used by commands but not described in the file are included
// with an empty description.
func (c *Catalog) Categories(platform string) []Category {
	snap := c.current()
	counts := make(map[string]int)
	for _, spec := range snap.specs {
		if platform != "" && !hasPlatform(spec, platform) {
			continue
		}
		counts[spec.Category]++
	}
	out := make([]Category, 0, len(counts))
	for name, n := range counts {
		cat := Category{Name: name, Count: n, Icon: "folder"}
		if rec, ok := snap.categories[name]; ok {
			cat.Description = rec.Description
			if rec.Icon != "" {
				cat.Icon = rec.Icon
			}
		}
		out = append(out, cat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func hasPlatform(spec tl1.CommandSpec, platform string) bool {
	for _, p := range spec.Platforms {
		if strings.EqualFold(p, platform) {
			return true
		}
	}
	return false
}

// Suggest returns up to limit ids close to id by edit distance, nearest
// first. It implements tl1.Suggester.
func (c *Catalog) Suggest(id string, limit int) []string {
	id = strings.ToUpper(strings.TrimSpace(id))
	if id == "" || limit <= 0 {
		return nil
	}
	maxDist := len(id) / 3
	if maxDist < 2 {
		maxDist = 2
	}
	type candidate struct {
		id   string
		dist int
	}
	var found []candidate
	for _, known := range c.current().ids {
		d := lev.ComputeDistance(id, strings.ToUpper(known))
		if d <= maxDist {
			found = append(found, candidate{id: known, dist: d})
		}
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].dist != found[j].dist {
			return found[i].dist < found[j].dist
		}
		return found[i].id < found[j].id
	})
	if len(found) > limit {
		found = found[:limit]
	}
	out := make([]string, len(found))
	for i, cand := range found {
		out[i] = cand.id
	}
	return out
}
