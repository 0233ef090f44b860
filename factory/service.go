// Package factory runs the 35 Factory matchmaking service: it keeps a
// queue of waiting players and a ledger of direct challenges, and uses
// two controlled Showdown connections to script battles between real
// participants.
package factory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/swordfishtr/35PokesPSBot/applog"
	"github.com/swordfishtr/35PokesPSBot/psbot"
	"go.uber.org/zap"
)

// Bot is the slice of psbot.Client the factory depends on. Tests
// substitute scripted fakes.
type Bot interface {
	Connect(ctx context.Context) error
	Login(ctx context.Context, auth psbot.Auth) error
	Send(msg string) error
	Await(ctx context.Context, description string, timeout time.Duration, predicate psbot.Predicate) (string, error)
	SetOnMessage(h func(msg string))
	SetOnDisconnect(h func())
	Disconnect()
	Username() string
	WaiterDescriptions() []string
}

type serviceState int

const (
	serviceNew serviceState = iota
	serviceOn
	serviceOff
)

const (
	// dqTimer matches the server's disqualification timer: a side that
	// never responds to its invite loses on timer before this expires.
	dqTimer = 5 * time.Minute
	// maxBattleDuration is the hard cutoff for one battle.
	maxBattleDuration = 6 * time.Hour
	// lagGracePeriod pads every nominal deadline so ordinary network
	// latency cannot misfire a timeout.
	lagGracePeriod = 30 * time.Second
	// challengeExpiry is how long an unanswered direct challenge stays
	// in the ledger.
	challengeExpiry = 30 * time.Minute

	defaultTickInterval = 5 * time.Second
)

// Config is the battleFactory section of the config file.
type Config struct {
	Interval time.Duration
	Sudoers  []string
	Banned   []string
	BotAuth1 psbot.Auth
	BotAuth2 psbot.Auth
	SetsPath string
}

// challenge is one pending direct match proposal, keyed in the ledger
// by its initiator. At most one per initiator.
type challenge struct {
	target string
	format string // "" means random
	timer  *time.Timer
}

// Service owns all matchmaking state. Queue, exclusion set and ledger
// are only ever touched through its methods, under its lock.
type Service struct {
	cfg Config

	// NewBot builds the controlled connections; replaceable in tests.
	NewBot func(name string) Bot

	// OnShutdown is fired once when the service stops.
	OnShutdown func()

	// ReloadConfig, when set, supplies fresh config for hotpatch.
	ReloadConfig func() (Config, error)

	mu         sync.Mutex
	state      serviceState
	queue      []string
	queueBan   map[string]struct{}
	challenges map[string]*challenge
	sudoers    map[string]struct{}
	fullBan    map[string]struct{}
	teamErrors []string
	ready      bool
	pool       *SetsPool

	teams TeamSource

	bot1 Bot
	bot2 Bot

	cancelTick context.CancelFunc
}

func New(cfg Config, pool *SetsPool, teams TeamSource) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultTickInterval
	}
	s := &Service{
		cfg:        cfg,
		pool:       pool,
		teams:      teams,
		queueBan:   make(map[string]struct{}),
		challenges: make(map[string]*challenge),
		sudoers:    idSet(cfg.Sudoers),
		fullBan:    idSet(cfg.Banned),
		ready:      true,
	}
	s.NewBot = func(name string) Bot { return psbot.NewClient(name) }
	return s
}

func idSet(names []string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[psbot.ToID(n)] = struct{}{}
	}
	return out
}

// Connect brings both controlled connections online and authenticated,
// installs the message observers, and starts the matchmaking tick.
// Any failure tears the service down again.
func (s *Service) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != serviceNew {
		s.mu.Unlock()
		return errors.New("factory service has already been started")
	}
	s.bot1 = s.NewBot("35 Factory Primary Bot")
	s.bot2 = s.NewBot("35 Factory Secondary Bot")
	bot1, bot2 := s.bot1, s.bot2
	s.mu.Unlock()

	bot1.SetOnDisconnect(s.Shutdown)
	bot2.SetOnDisconnect(s.Shutdown)

	steps := []func() error{
		func() error { return bot1.Connect(ctx) },
		func() error { return bot1.Login(ctx, s.cfg.BotAuth1) },
		func() error { return bot2.Connect(ctx) },
		func() error { return bot2.Login(ctx, s.cfg.BotAuth2) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			s.Shutdown()
			return fmt.Errorf("factory connect: %w", err)
		}
	}

	s.mu.Lock()
	s.state = serviceOn
	s.mu.Unlock()

	tickCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelTick = cancel
	s.mu.Unlock()

	// Unclaimed bot1 messages are consumed one at a time, so commands
	// from the same user keep their arrival order.
	inbox := make(chan string, 64)
	bot1.SetOnMessage(func(msg string) {
		select {
		case inbox <- msg:
		default:
			applog.Warn("Command inbox overflow, message dropped", zap.String("msg", msg))
		}
	})
	bot2.SetOnMessage(func(msg string) { go s.rejectStrangerChallenge(bot2, msg) })
	go s.consumeInbox(tickCtx, inbox)
	go s.run(tickCtx)

	applog.Info("Battle Factory started",
		zap.String("bot1", bot1.Username()), zap.String("bot2", bot2.Username()))
	return nil
}

// Shutdown is idempotent. Hooks are detached before disconnecting so
// the bots' disconnect callbacks cannot re-enter.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if s.state == serviceOff {
		s.mu.Unlock()
		return
	}
	s.state = serviceOff
	bot1, bot2 := s.bot1, s.bot2
	cancel := s.cancelTick
	hook := s.OnShutdown
	s.OnShutdown = nil
	for _, c := range s.challenges {
		c.timer.Stop()
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if bot1 != nil {
		bot1.SetOnDisconnect(nil)
		bot1.Disconnect()
	}
	if bot2 != nil {
		bot2.SetOnDisconnect(nil)
		bot2.Disconnect()
	}
	if hook != nil {
		hook()
	}

	applog.Info("Battle Factory stopped")
}

func (s *Service) consumeInbox(ctx context.Context, inbox <-chan string) {
	for {
		select {
		case msg := <-inbox:
			s.receive(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.tryMatchmaking(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// tryMatchmaking pairs the two longest-waiting queued players. Anyone
// failing the liveness check is silently dropped and the tick ends.
func (s *Service) tryMatchmaking(ctx context.Context) {
	s.mu.Lock()
	if s.state != serviceOn || !s.ready || len(s.queue) < 2 {
		s.mu.Unlock()
		return
	}
	user1, user2 := s.queue[0], s.queue[1]
	s.mu.Unlock()

	offline := s.ensurePlayersOnline(ctx, user1, user2)
	if len(offline) > 0 {
		s.mu.Lock()
		for _, u := range offline {
			s.removeFromQueueLocked(u)
		}
		s.mu.Unlock()
		applog.Info("Dropped offline players from queue", zap.Strings("players", offline))
		return
	}

	// Commit: exclusion before any further suspension point, so the
	// pair cannot be pulled into a second match mid-flight.
	s.mu.Lock()
	if !s.ready {
		s.mu.Unlock()
		return
	}
	s.removeFromQueueLocked(user1)
	s.removeFromQueueLocked(user2)
	s.queueBan[user1] = struct{}{}
	s.queueBan[user2] = struct{}{}
	s.mu.Unlock()

	defer s.release(user1, user2)

	gt, err := s.genTeams(2, "")
	if err != nil {
		s.handleTeamError(err)
		return
	}

	battle := s.prepBattle(user1, user2, gt)
	if _, err := s.startBattle(ctx, battle); err != nil {
		applog.Error("Battle abandoned", zap.Error(err))
	}
}

func (s *Service) release(users ...string) {
	s.mu.Lock()
	for _, u := range users {
		delete(s.queueBan, u)
	}
	s.mu.Unlock()
}

func (s *Service) removeFromQueueLocked(user string) {
	for i, u := range s.queue {
		if u == user {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// handleTeamError decides whether a team generation failure is local
// or systemic. Hitting the validation cap means the external format
// data is broken and the whole service goes down.
func (s *Service) handleTeamError(err error) {
	var tooMany *TooManyTeamErrorsError
	if errors.As(err, &tooMany) {
		applog.Error("Team validation cap reached, stopping service", zap.Error(err))
		s.Shutdown()
		return
	}
	applog.Error("Team generation failed", zap.Error(err))
}

// userDetails is the queryresponse payload for one liveness lookup.
type userDetails struct {
	UserID        string          `json:"userid"`
	Autoconfirmed bool            `json:"autoconfirmed"`
	Rooms         json.RawMessage `json:"rooms"`
}

// UserdetailsPredicate correlates the lookup response for one user id.
// An offline or unconfirmed user is a designed rejection, not a bug.
func UserdetailsPredicate(userid string) psbot.Predicate {
	return func(msg string) psbot.Verdict {
		data := strings.SplitN(msg, "|", 4)
		if len(data) < 4 || data[1] != "queryresponse" || data[2] != "userdetails" {
			return psbot.VerdictIgnore
		}
		var details userDetails
		if err := json.Unmarshal([]byte(data[3]), &details); err != nil {
			return psbot.VerdictIgnore
		}
		if details.UserID != userid {
			return psbot.VerdictIgnore
		}
		rooms := string(details.Rooms)
		if details.Autoconfirmed && rooms != "" && rooms != "false" && rooms != "null" {
			return psbot.VerdictMatch
		}
		return psbot.VerdictReject
	}
}

// ensurePlayersOnline runs one identity lookup per user concurrently
// and returns the ones that failed it.
func (s *Service) ensurePlayersOnline(ctx context.Context, usernames ...string) []string {
	s.mu.Lock()
	bot := s.bot1
	s.mu.Unlock()
	if bot == nil {
		return usernames
	}

	results := make([]error, len(usernames))
	var wg sync.WaitGroup
	for i, name := range usernames {
		userid := psbot.ToID(name)
		if err := bot.Send(fmt.Sprintf("|/cmd userdetails %s", userid)); err != nil {
			results[i] = err
			continue
		}
		wg.Add(1)
		go func(i int, userid string) {
			defer wg.Done()
			_, err := bot.Await(ctx, "userdetails "+userid, lagGracePeriod, UserdetailsPredicate(userid))
			results[i] = err
		}(i, userid)
	}
	wg.Wait()

	var offline []string
	for i, err := range results {
		if err != nil {
			offline = append(offline, usernames[i])
		}
	}
	return offline
}

// Dump renders a debugging snapshot of all mutable state.
func (s *Service) Dump() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	b.WriteString("Battle Factory Dump\n")
	fmt.Fprintf(&b, "state: %d\n", s.state)
	fmt.Fprintf(&b, "sudoers: %s\n", strings.Join(setKeys(s.sudoers), ", "))
	fmt.Fprintf(&b, "queue: %s\n", strings.Join(s.queue, ", "))
	fmt.Fprintf(&b, "queueBan: %s\n", strings.Join(setKeys(s.queueBan), ", "))
	fmt.Fprintf(&b, "fullBan: %s\n", strings.Join(setKeys(s.fullBan), ", "))
	var chals []string
	for user, c := range s.challenges {
		format := c.format
		if format == "" {
			format = "random"
		}
		chals = append(chals, fmt.Sprintf("%s for %s to %s", user, c.target, format))
	}
	fmt.Fprintf(&b, "challenges: %s\n", strings.Join(chals, ", "))
	if s.bot1 != nil {
		fmt.Fprintf(&b, "bot1 waiters:\n%s;\n", strings.Join(s.bot1.WaiterDescriptions(), ",\n"))
	}
	if s.bot2 != nil {
		fmt.Fprintf(&b, "bot2 waiters:\n%s;\n", strings.Join(s.bot2.WaiterDescriptions(), ",\n"))
	}
	fmt.Fprintf(&b, "teamErrors:\n%s;\n", strings.Join(s.teamErrors, ",\n"))
	return b.String()
}

func setKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// Pool exposes the read-only sets pool for the HTTP layer.
func (s *Service) Pool() *SetsPool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool
}

// Hotpatch reloads the sets pool and, when wired, the admin lists.
func (s *Service) Hotpatch() error {
	var cfg Config
	if s.ReloadConfig != nil {
		fresh, err := s.ReloadConfig()
		if err != nil {
			return fmt.Errorf("hotpatch: %w", err)
		}
		cfg = fresh
	} else {
		cfg = s.cfg
	}

	pool, err := LoadSetsPool(cfg.SetsPath)
	if err != nil {
		return fmt.Errorf("hotpatch: %w", err)
	}

	s.mu.Lock()
	s.pool = pool
	s.sudoers = idSet(cfg.Sudoers)
	s.fullBan = idSet(cfg.Banned)
	s.mu.Unlock()
	return nil
}
