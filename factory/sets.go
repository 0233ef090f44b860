package factory

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strings"
)

// FactorySet is one archetype moveset inside the per-format pool. The
// pool file is produced elsewhere; this package only reads it.
type FactorySet struct {
	Weight  int            `json:"weight"`
	Item    []string       `json:"item"`
	Ability []string       `json:"ability"`
	Nature  []string       `json:"nature"`
	EVs     map[string]int `json:"evs"`
	IVs     map[string]int `json:"ivs"`
	Moves   [][]string     `json:"moves"`
}

// SpeciesEntry groups the sets for one species with its roll weight.
type SpeciesEntry struct {
	Weight int          `json:"weight"`
	Sets   []FactorySet `json:"sets"`
}

// SetsPool is the read-only archetype pool, keyed by format then by
// normalized species id.
type SetsPool struct {
	formats map[string]map[string]SpeciesEntry
}

func LoadSetsPool(path string) (*SetsPool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read factory sets: %w", err)
	}
	var formats map[string]map[string]SpeciesEntry
	if err := json.Unmarshal(raw, &formats); err != nil {
		return nil, fmt.Errorf("parse factory sets: %w", err)
	}
	return &SetsPool{formats: formats}, nil
}

func NewSetsPool(formats map[string]map[string]SpeciesEntry) *SetsPool {
	return &SetsPool{formats: formats}
}

// NormalizeFormat maps user-supplied format arguments onto pool keys:
// "2025/2025_04" and "2025/2025_04.txt" are the same format. "Uber"
// is a bare key.
func NormalizeFormat(format string) string {
	if format == "" || format == "Uber" || strings.HasSuffix(format, ".txt") {
		return format
	}
	return format + ".txt"
}

func (p *SetsPool) HasFormat(format string) bool {
	_, ok := p.formats[format]
	return ok
}

// Formats lists the pool keys in stable order.
func (p *SetsPool) Formats() []string {
	out := make([]string, 0, len(p.formats))
	for f := range p.formats {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func (p *SetsPool) RandomFormat() string {
	formats := p.Formats()
	if len(formats) == 0 {
		return ""
	}
	return formats[rand.Intn(len(formats))]
}

func (p *SetsPool) Species(format, species string) (SpeciesEntry, bool) {
	entry, ok := p.formats[format][species]
	return entry, ok
}

func (p *SetsPool) SpeciesIDs(format string) []string {
	out := make([]string, 0, len(p.formats[format]))
	for id := range p.formats[format] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// statOrder is the conventional stat spread order for pastes.
var statOrder = []string{"hp", "atk", "def", "spa", "spd", "spe"}

// FactoryToPaste renders one species' pool entry in importable paste
// form for the sets query command.
func FactoryToPaste(species string, entry SpeciesEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s weight %d", species, entry.Weight)
	for _, set := range entry.Sets {
		b.WriteString("\n\n")
		fmt.Fprintf(&b, "%d%% @ %s\n", set.Weight, strings.Join(set.Item, " / "))
		fmt.Fprintf(&b, "Ability: %s\n", strings.Join(set.Ability, " / "))
		if evs := formatSpread(set.EVs, func(v int) bool { return v > 0 }); evs != "" {
			fmt.Fprintf(&b, "EVs: %s\n", evs)
		}
		fmt.Fprintf(&b, "%s Nature\n", strings.Join(set.Nature, " / "))
		if ivs := formatSpread(set.IVs, func(v int) bool { return v < 31 }); ivs != "" {
			fmt.Fprintf(&b, "IVs: %s\n", ivs)
		}
		for _, moveSlot := range set.Moves {
			fmt.Fprintf(&b, "- %s\n", strings.Join(moveSlot, " / "))
		}
		// Trim the trailing newline of the last move line.
		result := b.String()
		b.Reset()
		b.WriteString(strings.TrimSuffix(result, "\n"))
	}
	return b.String()
}

func formatSpread(spread map[string]int, keep func(int) bool) string {
	var parts []string
	for _, stat := range statOrder {
		if v, ok := spread[stat]; ok && keep(v) {
			parts = append(parts, fmt.Sprintf("%d %s", v, stat))
		}
	}
	return strings.Join(parts, " / ")
}
