package factory

import (
	"fmt"
	"strings"
)

// Chalcode strings are the fixed rule sets attached to the scripted
// challenge between the two controlled connections. They never change
// at runtime.
const (
	Chalcode = "gen9nationaldex35pokes@@@+allpokemon,+unobtainable,+past,+shedtail,+tangledfeet"

	ChalcodeUbers = "gen9nationaldex35pokes@@@!obtainableformes,!evasionabilitiesclause,!drypassclause,batonpassclause,-allpokemon,+unobtainable,+past,-nduber,-ndag,-ndou,-nduubl,-nduu,-ndrubl,-ndru,-ndnfe,-ndlc,+forretress,+samurott-hisui,+kyurem-white,+glalie-base,+cresselia,+thundurus-base,+regidrago,+banette-mega,+banettite,+dialga-origin,+giratina-origin,+palkia-base,+arceus-rock,+lunala,+machamp,+manectric-mega,+manectite,+naganadel,+pincurchin,+meloetta-pirouette,+blissey,+alakazam-mega,+alakazite,+aggron-mega,+aggronite,+ogerpon-hearthflame-tera,+hoopa-unbound,+dragapult,+camerupt-mega,+cameruptite,+tyranitar-mega,+tyranitarite,+gothitelle,+skarmory,+deoxys-speed,+floette-eternal,+gastrodon,+dhelmise,+sceptile-mega,+sceptilite,+irontreads,+victini,-darkvoid,-grasswhistle,-hypnosis,-lovelykiss,-sing,-sleeppowder,+lastrespects,+moody,+shadowtag,+battlebond,+powerconstruct,+acupressure,+batonpass+contrary,+batonpass+rapidspin,+shedtail,+tangledfeet"
)

// ChalcodeFor picks the rule set matching a pool format.
func ChalcodeFor(format string) string {
	if format == "Uber" || strings.HasPrefix(format, "Seniors/") {
		return ChalcodeUbers
	}
	return Chalcode
}

// Team is an externally generated and validated roster in packed wire
// form. The factory treats it as opaque.
type Team struct {
	Packed string
}

// TeamSource produces candidate rosters for a format. A candidate may
// come back with validation problems; the factory counts those and
// retries. A non-nil error means the source itself is broken.
type TeamSource interface {
	GenerateTeam(format string) (team Team, problems []string, err error)
}

// GeneratedTeams is the resolved output of one team request: which
// format was rolled, whether it was rolled rather than user-picked,
// the rule string to challenge with, and the rosters.
type GeneratedTeams struct {
	Format   string
	IsRandom bool
	Chalcode string
	Teams    []Team
}

// maxTeamErrors is the cumulative validation-failure cap. Reaching it
// signals a broken format or generator and takes the service down.
const maxTeamErrors = 20

// TooManyTeamErrorsError aborts the service when the validator keeps
// refusing generated teams.
type TooManyTeamErrorsError struct {
	Problems []string
}

func (e *TooManyTeamErrorsError) Error() string {
	return fmt.Sprintf("too many validator errors:\n%s", strings.Join(e.Problems, ";\n"))
}

// genTeams requests amount valid teams for format, rolling a random
// format when none is given. Validation failures accumulate across
// calls; the cap is cumulative for the life of the service.
func (s *Service) genTeams(amount int, format string) (*GeneratedTeams, error) {
	if amount < 1 || amount > 10*1000 {
		return nil, fmt.Errorf("invalid team amount %d", amount)
	}

	isRandom := false
	if format == "" {
		format = s.pool.RandomFormat()
		isRandom = true
	}

	chalcode := ChalcodeFor(format)

	teams := make([]Team, 0, amount)
	for len(teams) < amount {
		team, problems, err := s.teams.GenerateTeam(format)
		if err != nil {
			return nil, fmt.Errorf("team source failed for %s: %w", format, err)
		}
		if len(problems) > 0 {
			s.mu.Lock()
			s.teamErrors = append(s.teamErrors, strings.Join(problems, ", "))
			count := len(s.teamErrors)
			snapshot := append([]string(nil), s.teamErrors...)
			s.mu.Unlock()
			if count >= maxTeamErrors {
				return nil, &TooManyTeamErrorsError{Problems: snapshot}
			}
			continue
		}
		teams = append(teams, team)
	}

	return &GeneratedTeams{
		Format:   format,
		IsRandom: isRandom,
		Chalcode: chalcode,
		Teams:    teams,
	}, nil
}
