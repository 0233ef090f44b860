package factory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/swordfishtr/35PokesPSBot/applog"
	"github.com/swordfishtr/35PokesPSBot/psbot"
	"go.uber.org/zap"
)

const helpText = "35 Factory Commands (prefix ; in battle rooms):\n\n" +
	"in: Enter the matchmaking queue. Alias: can\n\n" +
	"out: Exit the matchmaking queue. Alias: leave, exit\n\n" +
	"chal user format?: Challenge user to format (user must challenge back to accept) (user is not notified). Alias: challenge\n\n" +
	"unchal: Withdraw your active challenge. Alias: unchallenge\n\n" +
	"bf species format: Query sets in format. Alias: set, sets\n\n" +
	"formats: Get the list of rollable formats."

// receive is the primary bot's catch-all observer: reject stranger
// challenges, then route user commands arriving by pm or room chat.
func (s *Service) receive(ctx context.Context, msg string) {
	s.mu.Lock()
	bot1 := s.bot1
	on := s.state == serviceOn
	s.mu.Unlock()
	if !on {
		return
	}

	s.rejectStrangerChallenge(bot1, msg)

	if s.isCommandPM(msg) {
		s.respondPM(ctx, msg)
		return
	}
	if isCommandRoomChat(msg) {
		s.respondRoomChat(ctx, msg)
	}
}

// rejectStrangerChallenge declines unsolicited /challenge pms aimed at
// one of the controlled identities. The trailing space matters: it
// means a format follows, i.e. a voluntary challenge rather than the
// accept/reject noise the server echoes.
func (s *Service) rejectStrangerChallenge(bot Bot, msg string) {
	data := strings.SplitN(msg, "|", 5)
	if len(data) < 5 || data[0] != "" || data[1] != "pm" {
		return
	}
	sender := psbot.ToID(data[2])
	if s.isControlledID(sender) {
		return
	}
	if len(data[3]) < 1 || data[3][1:] != bot.Username() {
		return
	}
	if !strings.HasPrefix(data[4], "/challenge ") {
		return
	}
	_ = bot.Send(fmt.Sprintf("|/reject %s", sender))
}

func (s *Service) isControlledID(userid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bot1 != nil && psbot.ToID(s.bot1.Username()) == userid {
		return true
	}
	if s.bot2 != nil && psbot.ToID(s.bot2.Username()) == userid {
		return true
	}
	return false
}

// isCommandPM reports whether msg is a plain pm to the primary bot
// from an outside user: those are treated as commands.
func (s *Service) isCommandPM(msg string) bool {
	data := strings.SplitN(msg, "|", 5)
	if len(data) < 5 || data[0] != "" || data[1] != "pm" {
		return false
	}
	if s.isControlledID(psbot.ToID(data[2])) {
		return false
	}
	s.mu.Lock()
	bot1 := s.bot1
	s.mu.Unlock()
	if bot1 == nil || len(data[3]) < 1 || data[3][1:] != bot1.Username() {
		return false
	}
	// Slash payloads are server plumbing, not user text.
	return len(data[4]) > 0 && data[4][0] != '/'
}

// isCommandRoomChat reports whether msg is room chat carrying the ';'
// command prefix.
func isCommandRoomChat(msg string) bool {
	lines := strings.SplitN(msg, "\n", 3)
	if len(lines) < 2 {
		return false
	}
	data := strings.SplitN(lines[1], "|", 4)
	return len(data) > 3 && data[0] == "" && data[1] == "c" &&
		len(data[3]) > 0 && data[3][0] == ';'
}

func (s *Service) respondPM(ctx context.Context, msg string) {
	data := strings.SplitN(msg, "|", 5)
	user := psbot.ToID(data[2])
	fields := strings.Fields(data[4])

	out := s.runCommand(ctx, user, fields)
	if out == "" {
		return
	}

	s.mu.Lock()
	bot1 := s.bot1
	s.mu.Unlock()
	if bot1 == nil {
		return
	}

	outLines := strings.Split(out, "\n")
	if len(outLines) == 1 {
		_ = bot1.Send(fmt.Sprintf("|/pm %s, %s", user, out))
		return
	}

	outLines[0] = "!code " + outLines[0]
	for i, line := range outLines {
		outLines[i] = fmt.Sprintf("/pm %s, %s", user, line)
	}
	_ = bot1.Send("|" + strings.Join(outLines, "\n"))
}

func (s *Service) respondRoomChat(ctx context.Context, msg string) {
	lines := strings.SplitN(msg, "\n", 2)
	room := strings.TrimSuffix(strings.TrimPrefix(lines[0], ">"), "\n")
	data := strings.SplitN(lines[1], "|", 4)
	user := psbot.ToID(data[2])
	fields := strings.Fields(strings.TrimPrefix(data[3], ";"))

	out := s.runCommand(ctx, user, fields)
	if out == "" {
		return
	}

	s.mu.Lock()
	bot1 := s.bot1
	s.mu.Unlock()
	if bot1 == nil {
		return
	}

	if strings.Contains(out, "\n") {
		_ = bot1.Send(fmt.Sprintf("%s|!code %s", room, out))
	} else {
		_ = bot1.Send(fmt.Sprintf("%s|%s", room, out))
	}
}

// runCommand executes one user command and returns the response text.
// Failures a user can cause come back as plain text, never as errors.
func (s *Service) runCommand(ctx context.Context, user string, fields []string) string {
	if len(fields) == 0 {
		return helpText
	}

	s.mu.Lock()
	if _, banned := s.fullBan[user]; banned {
		s.mu.Unlock()
		return ""
	}
	s.mu.Unlock()

	switch strings.ToLower(fields[0]) {
	case "in", "can":
		return s.cmdQueueIn(user)
	case "out", "leave", "exit":
		return s.cmdQueueOut(user)
	case "chal", "challenge":
		return s.cmdChallenge(ctx, user, fields)
	case "unchal", "unchallenge":
		return s.cmdUnchallenge(user)
	case "bf", "set", "sets":
		return s.cmdSets(fields)
	case "formats":
		return s.cmdFormats()
	case "hotpatch":
		return s.cmdHotpatch(user)
	case "dump":
		return s.cmdDump(user)
	default:
		return helpText
	}
}

func (s *Service) cmdQueueIn(user string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, queued := range s.queue {
		if queued == user {
			return "You are already in the matchmaking queue."
		}
	}
	if _, excluded := s.queueBan[user]; excluded {
		return "You can not enter the matchmaking queue at the moment."
	}
	s.queue = append(s.queue, user)
	return fmt.Sprintf("You have entered the matchmaking queue. There are %d other players in queue.", len(s.queue)-1)
}

func (s *Service) cmdQueueOut(user string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, queued := range s.queue {
		if queued == user {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return "You have exited the matchmaking queue."
		}
	}
	return "You are not in the matchmaking queue."
}

func (s *Service) cmdChallenge(ctx context.Context, user string, fields []string) string {
	var buf strings.Builder

	s.mu.Lock()
	if prev, ok := s.challenges[user]; ok {
		format := prev.format
		if format == "" {
			format = "a random format"
		}
		fmt.Fprintf(&buf, "Discarding your previous challenge for %s to %s. ... ", prev.target, format)
		prev.timer.Stop()
		delete(s.challenges, user)
	}
	s.mu.Unlock()

	if len(fields) < 2 || fields[1] == "" {
		buf.WriteString("Provide a target username.")
		return buf.String()
	}

	target := psbot.ToID(fields[1])
	if target == "" {
		fmt.Fprintf(&buf, "Target username %s is invalid.", fields[1])
		return buf.String()
	}

	format := ""
	if len(fields) > 2 && fields[2] != "" {
		format = NormalizeFormat(fields[2])
		s.mu.Lock()
		supported := s.pool.HasFormat(format)
		s.mu.Unlock()
		if !supported {
			fmt.Fprintf(&buf, "Format %s is not supported.", fields[2])
			return buf.String()
		}
	}

	s.mu.Lock()
	if !s.ready {
		s.mu.Unlock()
		buf.WriteString("Can not start a battle right now, try again in a few minutes.")
		return buf.String()
	}

	// A mutual challenge with matching format consumes both entries and
	// becomes a match.
	if mutual, ok := s.challenges[target]; ok && mutual.target == user {
		if mutual.format == format {
			mutual.timer.Stop()
			delete(s.challenges, target)
			s.mu.Unlock()
			fmt.Fprintf(&buf, "Accepted challenge from %s! ... ", target)
			return buf.String() + s.acceptChallengeMatch(ctx, target, user, format)
		}
		mutualFormat := mutual.format
		if mutualFormat == "" {
			mutualFormat = "random"
		}
		fmt.Fprintf(&buf, "%s is already challenging you to a different format (%s). ... ", target, mutualFormat)
	}

	chal := &challenge{target: target, format: format}
	chal.timer = time.AfterFunc(challengeExpiry, func() {
		s.mu.Lock()
		if s.challenges[user] == chal {
			delete(s.challenges, user)
		}
		s.mu.Unlock()
	})
	s.challenges[user] = chal
	s.mu.Unlock()

	displayFormat := "a random format"
	if len(fields) > 2 && fields[2] != "" {
		displayFormat = fields[2]
	}
	fmt.Fprintf(&buf,
		"You have challenged %s to %s. Ask your opponent to challenge back to accept. If left, this challenge will be discarded in 30 minutes.",
		target, displayFormat)
	return buf.String()
}

// acceptChallengeMatch runs the mutual-challenge match: liveness check
// the initiator, then kick off the battle in the background.
func (s *Service) acceptChallengeMatch(ctx context.Context, initiator, acceptor, format string) string {
	if offline := s.ensurePlayersOnline(ctx, initiator); len(offline) > 0 {
		return "But they are offline."
	}

	// Direct matches respect the same single-booking rule as the queue.
	s.mu.Lock()
	s.removeFromQueueLocked(initiator)
	s.removeFromQueueLocked(acceptor)
	s.queueBan[initiator] = struct{}{}
	s.queueBan[acceptor] = struct{}{}
	s.mu.Unlock()

	gt, err := s.genTeams(2, format)
	if err != nil {
		s.release(initiator, acceptor)
		s.handleTeamError(err)
		return "Could not generate teams for your battle."
	}

	battle := s.prepBattle(initiator, acceptor, gt)
	go func() {
		defer s.release(initiator, acceptor)
		if _, err := s.startBattle(ctx, battle); err != nil {
			applog.Error("Challenge battle abandoned", zap.Error(err))
		}
	}()

	return "Your battle is coming up."
}

func (s *Service) cmdUnchallenge(user string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	chal, ok := s.challenges[user]
	if !ok {
		return "You have no active challenge."
	}
	format := chal.format
	if format == "" {
		format = "random format"
	}
	chal.timer.Stop()
	delete(s.challenges, user)
	return fmt.Sprintf("You withdraw your challenge to %s at %s.", chal.target, format)
}

func (s *Service) cmdSets(fields []string) string {
	if len(fields) < 3 || fields[2] == "" {
		return "Provide a format in your query."
	}
	format := NormalizeFormat(fields[2])

	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()

	if !pool.HasFormat(format) {
		return "Format not found. Check your syntax, it should be like ```2025/2025_04```"
	}
	species := psbot.ToID(fields[1])
	entry, ok := pool.Species(format, species)
	if !ok {
		return "Species not found in format. Try including or excluding forme suffix."
	}
	return FactoryToPaste(species, entry)
}

func (s *Service) cmdFormats() string {
	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()

	formats := pool.Formats()
	for i, f := range formats {
		formats[i] = strings.TrimSuffix(f, ".txt")
	}
	return strings.Join(formats, ", ")
}

func (s *Service) cmdDump(user string) string {
	s.mu.Lock()
	_, allowed := s.sudoers[user]
	s.mu.Unlock()
	if !allowed {
		return "Not allowed."
	}
	return s.Dump()
}

func (s *Service) cmdHotpatch(user string) string {
	s.mu.Lock()
	_, allowed := s.sudoers[user]
	s.mu.Unlock()
	if !allowed {
		return "Not allowed."
	}
	if err := s.Hotpatch(); err != nil {
		applog.Error("Hotpatch failed", zap.Error(err))
		return "Hotpatch failed, check the logs."
	}
	return "Done!"
}
