package factory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/swordfishtr/35PokesPSBot/applog"
	"github.com/swordfishtr/35PokesPSBot/psbot"
	"go.uber.org/zap"
)

// BattleSide pairs one real participant with the roster they will be
// handed.
type BattleSide struct {
	Username string
	Team     Team
}

// Battle is the ephemeral description of one orchestration run. The
// room is assigned by the server and discovered from protocol output.
type Battle struct {
	Format   string
	Chalcode string
	IsRandom bool
	Side1    BattleSide
	Side2    BattleSide
}

func (s *Service) prepBattle(user1, user2 string, gt *GeneratedTeams) Battle {
	return Battle{
		Format:   gt.Format,
		Chalcode: gt.Chalcode,
		IsRandom: gt.IsRandom,
		Side1:    BattleSide{Username: user1, Team: gt.Teams[0]},
		Side2:    BattleSide{Username: user2, Team: gt.Teams[1]},
	}
}

// futureMsg is a one-shot await running in the background. done is
// closed when it settles; msg/err are stable afterwards.
type futureMsg struct {
	done chan struct{}
	msg  string
	err  error
}

func awaitAsync(ctx context.Context, bot Bot, description string, timeout time.Duration, p psbot.Predicate) *futureMsg {
	f := &futureMsg{done: make(chan struct{})}
	go func() {
		f.msg, f.err = bot.Await(ctx, description, timeout, p)
		close(f.done)
	}()
	return f
}

// outcomeKind tags how one side's invite resolved.
type outcomeKind int

const (
	outcomeAccepted outcomeKind = iota
	outcomeDeclined
	outcomeTimedOut
	outcomeEnded     // battle ended before the side responded
	outcomeCancelled // the race was decided elsewhere
	outcomeErrored
)

type sideOutcome struct {
	side int
	kind outcomeKind
	err  error
}

// startBattle drives the full two-connection handshake and tracks the
// battle to a result. Returns the winner's id, or "" for a tie.
func (s *Service) startBattle(ctx context.Context, battle Battle) (string, error) {
	s.mu.Lock()
	if s.state != serviceOn {
		s.mu.Unlock()
		return "", errors.New("factory service is not running")
	}
	if !s.ready {
		s.mu.Unlock()
		return "", errors.New("another battle handshake is in flight")
	}
	s.ready = false
	bot1, bot2 := s.bot1, s.bot2
	s.mu.Unlock()

	setReady := func() {
		s.mu.Lock()
		s.ready = true
		s.mu.Unlock()
	}

	// No server response for team uploads.
	if err := bot1.Send(fmt.Sprintf("|/utm %s", battle.Side1.Team.Packed)); err != nil {
		setReady()
		return "", err
	}
	if err := bot2.Send(fmt.Sprintf("|/utm %s", battle.Side2.Team.Packed)); err != nil {
		setReady()
		return "", err
	}

	if err := bot1.Send(fmt.Sprintf("|/challenge %s, %s", bot2.Username(), battle.Chalcode)); err != nil {
		setReady()
		return "", err
	}
	if _, err := bot2.Await(ctx, "challenge", lagGracePeriod,
		ChallengePredicate(battle.Chalcode, bot1.Username(), bot2.Username())); err != nil {
		setReady()
		return "", fmt.Errorf("challenge handshake: %w", err)
	}

	if err := bot2.Send(fmt.Sprintf("|/accept %s", bot1.Username())); err != nil {
		setReady()
		return "", err
	}
	roomMsg, err := bot1.Await(ctx, "battle room", lagGracePeriod,
		BattleRoomPredicate(bot1.Username(), bot2.Username()))
	if err != nil {
		setReady()
		return "", fmt.Errorf("room discovery: %w", err)
	}
	room := roomMsg[1:strings.Index(roomMsg, "\n")]

	applog.Info("Started battle",
		zap.String("format", battle.Format),
		zap.String("side1", battle.Side1.Username),
		zap.String("side2", battle.Side2.Username),
		zap.String("room", room))

	intro := strings.TrimSuffix(battle.Format, ".txt")
	if !battle.IsRandom {
		intro += " (user-selected)"
	}

	sends := []struct {
		bot Bot
		msg string
	}{
		{bot1, fmt.Sprintf("%s|35 Factory Format: %s", room, intro)},
		{bot1, fmt.Sprintf("%s|/timer on", room)},
		{bot2, fmt.Sprintf("%s|/timer on", room)},
		{bot1, fmt.Sprintf("%s|/leavebattle", room)},
		{bot2, fmt.Sprintf("%s|/leavebattle", room)},
		{bot1, fmt.Sprintf("%s|/addplayer %s, p1", room, battle.Side1.Username)},
		{bot2, fmt.Sprintf("%s|/addplayer %s, p2", room, battle.Side2.Username)},
	}
	for _, send := range sends {
		if err := send.bot.Send(send.msg); err != nil {
			setReady()
			return "", err
		}
	}

	// The invite handling below races, per side, the participant's
	// accept-or-decline against the battle ending and against the
	// disqualification window. Exactly one terminal fate per side.
	battleEnd := awaitAsync(ctx, bot1, room+" end", maxBattleDuration, BattleEndPredicate(room))

	inviteCtx, cancelInvites := context.WithCancel(ctx)
	defer cancelInvites()

	invite1 := awaitAsync(inviteCtx, bot1, room+" invite p1", dqTimer+lagGracePeriod,
		InvitePredicate(battle.Side1.Username, bot1.Username()))
	invite2 := awaitAsync(inviteCtx, bot2, room+" invite p2", dqTimer+lagGracePeriod,
		InvitePredicate(battle.Side2.Username, bot2.Username()))

	outcomes := make(chan sideOutcome, 2)
	go func() { outcomes <- resolveSide(1, battle.Side1.Username, invite1, battleEnd) }()
	go func() { outcomes <- resolveSide(2, battle.Side2.Username, invite2, battleEnd) }()

	sideUser := map[int]string{1: battle.Side1.Username, 2: battle.Side2.Username}
	sideBot := map[int]Bot{1: bot1, 2: bot2}

	var rejectionWin string
	var fatal error
	accepted := map[int]bool{}

	for i := 0; i < 2; i++ {
		o := <-outcomes
		switch o.kind {
		case outcomeAccepted:
			accepted[o.side] = true
		case outcomeDeclined:
			if rejectionWin == "" {
				other := 3 - o.side
				rejectionWin = sideUser[other]
				// Withdraw the winner's now-pointless invite instead of
				// letting it linger to its own timeout.
				if !accepted[other] {
					_ = sideBot[other].Send(fmt.Sprintf("|/cancelchallenge %s", sideUser[other]))
				}
				cancelInvites()
			}
		case outcomeTimedOut, outcomeEnded:
			if rejectionWin == "" {
				_ = sideBot[o.side].Send(fmt.Sprintf("|/cancelchallenge %s", sideUser[o.side]))
			}
		case outcomeCancelled:
			// Raced out by the forfeit decision.
		case outcomeErrored:
			if fatal == nil {
				fatal = o.err
			}
		}
	}

	setReady()
	_ = bot2.Send(fmt.Sprintf("|/noreply /leave %s", room))

	if fatal != nil {
		_ = bot1.Send(fmt.Sprintf("|/noreply /leave %s", room))
		return "", fatal
	}

	if rejectionWin != "" {
		_ = bot1.Send(fmt.Sprintf(
			"%s|Win given to %s by their opponent. (if this was a ladder match, you are free to join the queue again)",
			room, rejectionWin))
		_ = bot1.Send(fmt.Sprintf("|/noreply /leave %s", room))
		applog.Info("Battle ended in forfeit",
			zap.String("winner", rejectionWin), zap.String("room", room))
		return rejectionWin, nil
	}

	<-battleEnd.done
	_ = bot1.Send(fmt.Sprintf("|/noreply /leave %s", room))
	if battleEnd.err != nil {
		return "", fmt.Errorf("battle end: %w", battleEnd.err)
	}

	winner, tie := parseBattleEnd(battleEnd.msg)
	if tie {
		applog.Info("Battle ended in tie", zap.String("room", room))
		return "", nil
	}
	applog.Info("Battle won", zap.String("winner", winner), zap.String("room", room))
	return winner, nil
}

// resolveSide waits for one side's fate: their invite response, the
// battle ending first, or the invite window closing.
func resolveSide(side int, user string, invite, battleEnd *futureMsg) sideOutcome {
	select {
	case <-invite.done:
		if invite.err == nil {
			return sideOutcome{side: side, kind: outcomeAccepted}
		}
		var rejection *psbot.PredicateRejectionError
		if errors.As(invite.err, &rejection) {
			// Correlate the decline to a side by its sender rather than
			// by slicing the human-readable text at fixed offsets.
			decliner := declinerID(rejection.Message)
			if decliner != psbot.ToID(user) {
				return sideOutcome{side: side, kind: outcomeErrored,
					err: fmt.Errorf("cannot attribute decline %q to a side", rejection.Message)}
			}
			return sideOutcome{side: side, kind: outcomeDeclined}
		}
		if errors.Is(invite.err, psbot.ErrTimeout) {
			return sideOutcome{side: side, kind: outcomeTimedOut}
		}
		if errors.Is(invite.err, context.Canceled) {
			return sideOutcome{side: side, kind: outcomeCancelled}
		}
		return sideOutcome{side: side, kind: outcomeErrored, err: invite.err}
	case <-battleEnd.done:
		return sideOutcome{side: side, kind: outcomeEnded}
	}
}

// declinerID extracts the declining participant from the rejection pm,
// whose sender field is the participant themselves.
func declinerID(msg string) string {
	data := strings.SplitN(msg, "|", 5)
	if len(data) < 3 || len(data[2]) < 1 {
		return ""
	}
	return psbot.ToID(data[2][1:])
}

// parseBattleEnd reads the terminal line of a battle-end message.
func parseBattleEnd(msg string) (winner string, tie bool) {
	lines := strings.Split(msg, "\n")
	last := strings.Split(lines[len(lines)-1], "|")
	if len(last) > 2 && last[1] == "win" {
		return psbot.ToID(last[2]), false
	}
	return "", true
}

// ChallengePredicate matches the scripted challenge pm arriving on
// the secondary connection, correlated by the rule string and the two
// controlled identities.
func ChallengePredicate(chalcode, fromBot, toBot string) psbot.Predicate {
	from, to := psbot.ToID(fromBot), psbot.ToID(toBot)
	return func(msg string) psbot.Verdict {
		data := strings.SplitN(msg, "|", 5)
		if len(data) < 5 || data[1] != "pm" {
			return psbot.VerdictIgnore
		}
		if psbot.ToID(data[2]) != from || psbot.ToID(data[3]) != to {
			return psbot.VerdictIgnore
		}
		if strings.HasPrefix(data[4], "/challenge "+chalcode) {
			return psbot.VerdictMatch
		}
		return psbot.VerdictIgnore
	}
}

// BattleRoomPredicate matches the room-creation block for a battle
// between the two controlled identities. The room id is the first line
// minus its '>' marker.
func BattleRoomPredicate(bot1, bot2 string) psbot.Predicate {
	title := bot1 + " vs. " + bot2
	return func(msg string) psbot.Verdict {
		lines := strings.SplitN(msg, "\n", 4)
		if len(lines) < 3 || !strings.HasPrefix(lines[0], ">battle-gen9nationaldex35pokes-") {
			return psbot.VerdictIgnore
		}
		l1 := strings.SplitN(lines[1], "|", 4)
		l2 := strings.SplitN(lines[2], "|", 4)
		if len(l1) > 2 && l1[1] == "init" && l1[2] == "battle" &&
			len(l2) > 2 && l2[1] == "title" && l2[2] == title {
			return psbot.VerdictMatch
		}
		return psbot.VerdictIgnore
	}
}

// BattleEndPredicate matches the given room reaching a win or tie.
func BattleEndPredicate(room string) psbot.Predicate {
	return func(msg string) psbot.Verdict {
		lines := strings.Split(msg, "\n")
		if len(lines) < 2 || !strings.HasPrefix(lines[0], ">") || lines[0][1:] != room {
			return psbot.VerdictIgnore
		}
		last := strings.SplitN(lines[len(lines)-1], "|", 3)
		if len(last) > 1 && (last[1] == "win" || last[1] == "tie") {
			return psbot.VerdictMatch
		}
		return psbot.VerdictIgnore
	}
}

// InvitePredicate watches one participant's response to their room
// invite: Match on acceptance, Reject on an explicit decline.
func InvitePredicate(user, botName string) psbot.Predicate {
	userid := psbot.ToID(user)
	return func(msg string) psbot.Verdict {
		data := strings.SplitN(msg, "|", 5)
		if len(data) < 5 || data[0] != "" || data[1] != "pm" {
			return psbot.VerdictIgnore
		}
		if psbot.ToID(data[2]) != userid || len(data[3]) < 1 || data[3][1:] != botName {
			return psbot.VerdictIgnore
		}
		switch data[4] {
		case "/text You accepted the battle invite":
			return psbot.VerdictMatch
		case fmt.Sprintf("/nonotify %s rejected the challenge.", user):
			return psbot.VerdictReject
		}
		return psbot.VerdictIgnore
	}
}
