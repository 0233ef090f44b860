package factory

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeFormat(t *testing.T) {
	assert.Equal(t, "2025/2025_04.txt", NormalizeFormat("2025/2025_04"))
	assert.Equal(t, "2025/2025_04.txt", NormalizeFormat("2025/2025_04.txt"),
		"file-suffixed and bare spellings must name the same format")
	assert.Equal(t, "Uber", NormalizeFormat("Uber"))
	assert.Equal(t, "", NormalizeFormat(""))
}

func TestLoadSetsPool(t *testing.T) {
	pool := testPool()
	raw, err := json.Marshal(map[string]map[string]SpeciesEntry{
		"2025/2025_04.txt": pool.formats["2025/2025_04.txt"],
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "factory-sets.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	loaded, err := LoadSetsPool(path)
	require.NoError(t, err)
	assert.True(t, loaded.HasFormat("2025/2025_04.txt"))
	assert.False(t, loaded.HasFormat("Uber"))
	assert.Contains(t, loaded.SpeciesIDs("2025/2025_04.txt"), "gengar")

	_, err = LoadSetsPool(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestFactoryToPaste(t *testing.T) {
	entry := SpeciesEntry{
		Weight: 3,
		Sets: []FactorySet{{
			Weight:  60,
			Item:    []string{"Leftovers", "Black Sludge"},
			Ability: []string{"Levitate"},
			Nature:  []string{"Timid"},
			EVs:     map[string]int{"hp": 252, "spe": 252, "spd": 4},
			IVs:     map[string]int{"atk": 0},
			Moves:   [][]string{{"Shadow Ball"}, {"Sludge Bomb", "Sludge Wave"}},
		}},
	}

	paste := FactoryToPaste("gengar", entry)
	assert.Contains(t, paste, "gengar weight 3")
	assert.Contains(t, paste, "60% @ Leftovers / Black Sludge")
	assert.Contains(t, paste, "Ability: Levitate")
	assert.Contains(t, paste, "EVs: 252 hp / 4 spd / 252 spe")
	assert.Contains(t, paste, "Timid Nature")
	assert.Contains(t, paste, "IVs: 0 atk")
	assert.Contains(t, paste, "- Shadow Ball")
	assert.Contains(t, paste, "- Sludge Bomb / Sludge Wave")
}

func TestPoolTeamSourceGeneratesValidTeams(t *testing.T) {
	ts := NewPoolTeamSource(testPool())

	for i := 0; i < 10; i++ {
		team, problems, err := ts.GenerateTeam("Uber")
		require.NoError(t, err)
		require.Empty(t, problems)

		mons := strings.Split(team.Packed, "]")
		require.Len(t, mons, teamSize)

		seen := map[string]struct{}{}
		for _, mon := range mons {
			fields := strings.Split(mon, "|")
			require.Len(t, fields, 12, "packed mon %q has the wrong field count", mon)
			_, dup := seen[fields[0]]
			assert.False(t, dup, "species %s rolled twice in one team", fields[0])
			seen[fields[0]] = struct{}{}
			assert.Equal(t, "leftovers", fields[2])
			assert.Equal(t, "levitate", fields[3])
			assert.Equal(t, "shadowball,sludgebomb,substitute,painsplit", fields[4])
			assert.Equal(t, "Timid", fields[5])
			assert.Equal(t, "252,,,,4,252", fields[6])
			assert.Equal(t, ",0,,,,", fields[8])
		}
	}
}

func TestPoolTeamSourceRefusesThinFormat(t *testing.T) {
	pool := NewSetsPool(map[string]map[string]SpeciesEntry{
		"tiny.txt": {"gengar": {Weight: 1, Sets: []FactorySet{{Weight: 1, Moves: [][]string{{"Shadow Ball"}}}}}},
	})
	_, _, err := NewPoolTeamSource(pool).GenerateTeam("tiny.txt")
	assert.ErrorContains(t, err, "need 6")
}

func TestPoolTeamSourceReportsBrokenEntries(t *testing.T) {
	broken := SpeciesEntry{Weight: 1, Sets: nil}
	ok := SpeciesEntry{Weight: 1, Sets: []FactorySet{{
		Weight: 1, Item: []string{"Leftovers"}, Ability: []string{"Levitate"},
		Nature: []string{"Timid"}, Moves: [][]string{{"Shadow Ball"}},
	}}}
	pool := NewSetsPool(map[string]map[string]SpeciesEntry{
		"broken.txt": {
			"a": broken, "b": broken, "c": broken,
			"d": broken, "e": broken, "f": broken, "g": ok,
		},
	})

	_, problems, err := NewPoolTeamSource(pool).GenerateTeam("broken.txt")
	require.NoError(t, err)
	assert.NotEmpty(t, problems, "entries without sets must come back as validation problems")
}

func TestPackSpread(t *testing.T) {
	assert.Equal(t, "252,,,,4,252", packSpread(map[string]int{"hp": 252, "spd": 4, "spe": 252}, 0))
	assert.Equal(t, ",0,,,,", packSpread(map[string]int{"atk": 0}, 31))
	assert.Equal(t, "", packSpread(nil, 0))
	assert.Equal(t, "", packSpread(map[string]int{"atk": 31}, 31),
		"an all-default spread packs to nothing")
}
