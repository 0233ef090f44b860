package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/swordfishtr/35PokesPSBot/applog"
	"github.com/swordfishtr/35PokesPSBot/psbot"
	"go.uber.org/zap"
)

// Bot is the observer-side client surface the stats service needs. It
// never logs in; a guest connection can join and read public rooms.
type Bot interface {
	Connect(ctx context.Context) error
	Send(msg string) error
	Await(ctx context.Context, description string, timeout time.Duration, predicate psbot.Predicate) (string, error)
	SetOnDisconnect(h func())
	Disconnect()
}

const (
	defaultPollInterval = 1 * time.Minute
	defaultFormat       = "gen9nationaldex35pokes"
	scrapeTimeout       = 30 * time.Second
)

// errStore marks sqlite-side failures, which must stay visible unlike
// the routine join timeouts of expired rooms.
var errStore = errors.New("usage store failure")

// Config is the liveUsageStats section of the config file.
type Config struct {
	Interval time.Duration
	Format   string
	DBPath   string
}

type serviceState int

const (
	serviceNew serviceState = iota
	serviceOn
	serviceOff
)

type Service struct {
	cfg   Config
	store *Store

	NewBot     func(name string) Bot
	OnShutdown func()

	mu         sync.Mutex
	state      serviceState
	bot        Bot
	cancelTick context.CancelFunc
}

func New(cfg Config, store *Store) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	if cfg.Format == "" {
		cfg.Format = defaultFormat
	}
	s := &Service{cfg: cfg, store: store}
	s.NewBot = func(name string) Bot { return psbot.NewClient(name) }
	return s
}

// Connect brings the observer connection online and starts polling.
func (s *Service) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != serviceNew {
		s.mu.Unlock()
		return errors.New("stats service has already been started")
	}
	s.bot = s.NewBot("35 Factory Usage Observer")
	bot := s.bot
	s.mu.Unlock()

	bot.SetOnDisconnect(s.Shutdown)
	if err := bot.Connect(ctx); err != nil {
		s.Shutdown()
		return fmt.Errorf("stats connect: %w", err)
	}

	tickCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.state = serviceOn
	s.cancelTick = cancel
	s.mu.Unlock()
	go s.run(tickCtx)

	applog.Info("Live usage stats started", zap.String("format", s.cfg.Format))
	return nil
}

func (s *Service) Shutdown() {
	s.mu.Lock()
	if s.state == serviceOff {
		s.mu.Unlock()
		return
	}
	s.state = serviceOff
	bot := s.bot
	cancel := s.cancelTick
	hook := s.OnShutdown
	s.OnShutdown = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if bot != nil {
		bot.SetOnDisconnect(nil)
		bot.Disconnect()
	}
	if hook != nil {
		hook()
	}

	applog.Info("Live usage stats stopped")
}

func (s *Service) Store() *Store {
	return s.store
}

func (s *Service) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.poll(ctx); err != nil {
				applog.Warn("Usage poll failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// poll lists the format's public rooms and scrapes every battle not
// seen before. One broken room does not abort the sweep.
func (s *Service) poll(ctx context.Context) error {
	s.mu.Lock()
	bot := s.bot
	on := s.state == serviceOn
	s.mu.Unlock()
	if !on {
		return nil
	}

	if err := bot.Send(fmt.Sprintf("|/cmd roomlist %s,none,", s.cfg.Format)); err != nil {
		return err
	}
	msg, err := bot.Await(ctx, "roomlist "+s.cfg.Format, scrapeTimeout, RoomlistPredicate())
	if err != nil {
		return fmt.Errorf("roomlist: %w", err)
	}
	rooms, err := parseRoomlist(msg)
	if err != nil {
		return err
	}

	for _, room := range rooms {
		seen, err := s.store.HasBattle(ctx, room)
		if err != nil {
			return err
		}
		if seen {
			continue
		}
		if err := s.scrapeRoom(ctx, bot, room); err != nil {
			if errors.Is(err, errStore) {
				applog.Warn("Could not record battle", zap.String("room", room), zap.Error(err))
			} else {
				// Expired and restricted rooms time out on join. Skip them.
				applog.Debug("Skipped room", zap.String("room", room), zap.Error(err))
			}
		}
	}
	return nil
}

// scrapeRoom joins one battle room, records its team preview, and
// leaves again.
func (s *Service) scrapeRoom(ctx context.Context, bot Bot, room string) error {
	if err := bot.Send(fmt.Sprintf("|/join %s", room)); err != nil {
		return err
	}
	msg, err := bot.Await(ctx, "join "+room, scrapeTimeout, InitBattlePredicate(room))
	if err != nil {
		return err
	}
	defer bot.Send(fmt.Sprintf("|/noreply /leave %s", room))

	species := scrapeSpecies(msg)
	if len(species) == 0 {
		return fmt.Errorf("room %s had no team preview", room)
	}
	timestamp, err := scrapeTimestamp(msg)
	if err != nil {
		return err
	}

	if err := s.store.RecordBattle(ctx, room, timestamp, species); err != nil {
		return errors.Join(errStore, err)
	}
	applog.Debug("Recorded battle", zap.String("room", room), zap.Int("species", len(species)))
	return nil
}

// RoomlistPredicate matches any roomlist queryresponse.
func RoomlistPredicate() psbot.Predicate {
	return func(msg string) psbot.Verdict {
		data := strings.SplitN(msg, "|", 4)
		if len(data) > 3 && data[1] == "queryresponse" && data[2] == "roomlist" {
			return psbot.VerdictMatch
		}
		return psbot.VerdictIgnore
	}
}

// InitBattlePredicate matches the init block received on joining the
// given room.
func InitBattlePredicate(room string) psbot.Predicate {
	return func(msg string) psbot.Verdict {
		lines := strings.SplitN(msg, "\n", 3)
		if len(lines) < 2 || !strings.HasPrefix(lines[0], ">") || lines[0][1:] != room {
			return psbot.VerdictIgnore
		}
		data := strings.SplitN(lines[1], "|", 4)
		if len(data) > 2 && data[1] == "init" && data[2] == "battle" {
			return psbot.VerdictMatch
		}
		return psbot.VerdictIgnore
	}
}

// parseRoomlist keeps only rated rooms: anything without a minElo is a
// casual battle the stats should not count.
func parseRoomlist(msg string) ([]string, error) {
	data := strings.SplitN(msg, "|", 4)
	var payload struct {
		Rooms map[string]struct {
			MinElo json.RawMessage `json:"minElo"`
		} `json:"rooms"`
	}
	if err := json.Unmarshal([]byte(data[3]), &payload); err != nil {
		return nil, fmt.Errorf("parse roomlist: %w", err)
	}
	rooms := make([]string, 0, len(payload.Rooms))
	for room, info := range payload.Rooms {
		if !truthyJSON(info.MinElo) {
			continue
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

func truthyJSON(raw json.RawMessage) bool {
	switch s := strings.TrimSpace(string(raw)); s {
	case "", "null", "false", "0", `""`:
		return false
	default:
		return true
	}
}

// scrapeSpecies reads the |poke| team preview lines of an init block.
// Everything after the species name (gender, level) is discarded.
func scrapeSpecies(msg string) []string {
	var out []string
	for _, line := range strings.Split(msg, "\n") {
		data := strings.SplitN(line, "|", 5)
		if len(data) < 4 || data[1] != "poke" {
			continue
		}
		species := strings.SplitN(data[3], ",", 2)[0]
		if species != "" {
			out = append(out, psbot.ToID(species))
		}
	}
	return out
}

var timestampRe = regexp.MustCompile(`\|t:\|(\d+)`)

func scrapeTimestamp(msg string) (int64, error) {
	m := timestampRe.FindStringSubmatch(msg)
	if m == nil {
		return 0, errors.New("init block had no timestamp")
	}
	return strconv.ParseInt(m[1], 10, 64)
}
