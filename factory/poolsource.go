package factory

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/swordfishtr/35PokesPSBot/psbot"
)

const teamSize = 6

// PoolTeamSource rolls rosters straight from the sets pool: six
// distinct species per team, weighted by entry weight, one weighted
// set each.
type PoolTeamSource struct {
	pool *SetsPool
}

func NewPoolTeamSource(pool *SetsPool) *PoolTeamSource {
	return &PoolTeamSource{pool: pool}
}

// GenerateTeam rolls one team for format. A pool entry that cannot
// produce a usable set comes back as a validation problem rather than
// an error.
func (ts *PoolTeamSource) GenerateTeam(format string) (Team, []string, error) {
	ids := ts.pool.SpeciesIDs(format)
	if len(ids) < teamSize {
		return Team{}, nil, fmt.Errorf("format %s has %d species, need %d", format, len(ids), teamSize)
	}

	picked := ts.pickSpecies(format, ids)

	var problems []string
	packed := make([]string, 0, teamSize)
	for _, species := range picked {
		entry, _ := ts.pool.Species(format, species)
		set, ok := pickSet(entry)
		if !ok {
			problems = append(problems, fmt.Sprintf("%s has no sets in %s", species, format))
			continue
		}
		mon, err := packSet(species, set)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		packed = append(packed, mon)
	}
	if len(problems) > 0 {
		return Team{}, problems, nil
	}
	return Team{Packed: strings.Join(packed, "]")}, nil, nil
}

// pickSpecies draws teamSize distinct species, weighted.
func (ts *PoolTeamSource) pickSpecies(format string, ids []string) []string {
	remaining := append([]string(nil), ids...)
	picked := make([]string, 0, teamSize)
	for len(picked) < teamSize {
		total := 0
		for _, id := range remaining {
			entry, _ := ts.pool.Species(format, id)
			total += max(entry.Weight, 1)
		}
		roll := rand.Intn(total)
		for i, id := range remaining {
			entry, _ := ts.pool.Species(format, id)
			roll -= max(entry.Weight, 1)
			if roll < 0 {
				picked = append(picked, id)
				remaining = append(remaining[:i], remaining[i+1:]...)
				break
			}
		}
	}
	return picked
}

func pickSet(entry SpeciesEntry) (FactorySet, bool) {
	if len(entry.Sets) == 0 {
		return FactorySet{}, false
	}
	total := 0
	for _, s := range entry.Sets {
		total += max(s.Weight, 1)
	}
	roll := rand.Intn(total)
	for _, s := range entry.Sets {
		roll -= max(s.Weight, 1)
		if roll < 0 {
			return s, true
		}
	}
	return entry.Sets[len(entry.Sets)-1], true
}

// packSet renders one rolled set in the packed wire form the /utm
// command expects. Alternatives within a slot are rolled uniformly.
func packSet(species string, set FactorySet) (string, error) {
	if len(set.Moves) == 0 {
		return "", fmt.Errorf("%s set has no moves", species)
	}

	moves := make([]string, 0, len(set.Moves))
	seen := map[string]struct{}{}
	for _, slot := range set.Moves {
		if len(slot) == 0 {
			return "", fmt.Errorf("%s set has an empty move slot", species)
		}
		move := psbot.ToID(pickOne(slot))
		if _, dup := seen[move]; dup {
			continue
		}
		seen[move] = struct{}{}
		moves = append(moves, move)
	}

	// nick|species|item|ability|moves|nature|evs|gender|ivs|shiny|level|misc
	fields := []string{
		species,
		"",
		psbot.ToID(pickOne(set.Item)),
		psbot.ToID(pickOne(set.Ability)),
		strings.Join(moves, ","),
		pickOne(set.Nature),
		packSpread(set.EVs, 0),
		"",
		packSpread(set.IVs, 31),
		"",
		"",
		"",
	}
	return strings.Join(fields, "|"), nil
}

func pickOne(options []string) string {
	if len(options) == 0 {
		return ""
	}
	return options[rand.Intn(len(options))]
}

// packSpread renders a stat spread in hp..spe order, leaving default
// values empty as the wire form allows.
func packSpread(spread map[string]int, def int) string {
	if len(spread) == 0 {
		return ""
	}
	parts := make([]string, len(statOrder))
	all := true
	for i, stat := range statOrder {
		v, ok := spread[stat]
		if !ok {
			v = def
		}
		if v != def {
			parts[i] = strconv.Itoa(v)
			all = false
		}
	}
	if all {
		return ""
	}
	return strings.Join(parts, ",")
}
