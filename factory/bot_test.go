package factory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/swordfishtr/35PokesPSBot/psbot"
)

// fakeBot is a scripted stand-in for psbot.Client: Send records the
// command and fires the test's reaction hook, deliver feeds a message
// to the registered waiters the way the real dispatch loop would.
type fakeBot struct {
	name string

	mu      sync.Mutex
	sent    []string
	waiters []*fakeWaiter

	// onSend reacts to outgoing commands, usually by delivering the
	// scripted server response.
	onSend func(msg string)

	onMessage    func(msg string)
	onDisconnect func()
}

type fakeWaiter struct {
	description string
	predicate   psbot.Predicate
	result      chan fakeResult
}

type fakeResult struct {
	msg string
	err error
}

func newFakeBot(name string) *fakeBot {
	return &fakeBot{name: name}
}

func (b *fakeBot) Connect(ctx context.Context) error { return nil }

func (b *fakeBot) Login(ctx context.Context, auth psbot.Auth) error { return nil }

func (b *fakeBot) Send(msg string) error {
	b.mu.Lock()
	b.sent = append(b.sent, msg)
	hook := b.onSend
	b.mu.Unlock()
	if hook != nil {
		go hook(msg)
	}
	return nil
}

func (b *fakeBot) Await(ctx context.Context, description string, timeout time.Duration, predicate psbot.Predicate) (string, error) {
	w := &fakeWaiter{
		description: description,
		predicate:   predicate,
		result:      make(chan fakeResult, 1),
	}
	b.mu.Lock()
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	select {
	case res := <-w.result:
		return res.msg, res.err
	case <-time.After(timeout):
		b.remove(w)
		return "", fmt.Errorf("%s: %w", description, psbot.ErrTimeout)
	case <-ctx.Done():
		b.remove(w)
		return "", fmt.Errorf("%s: %w", description, ctx.Err())
	}
}

func (b *fakeBot) remove(w *fakeWaiter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, x := range b.waiters {
		if x == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return
		}
	}
}

// deliver offers msg to the waiters, retrying briefly so a scripted
// response cannot outrun the registration it answers.
func (b *fakeBot) deliver(msg string) bool {
	deadline := time.Now().Add(2 * time.Second)
	for {
		if b.tryDeliver(msg) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (b *fakeBot) tryDeliver(msg string) bool {
	b.mu.Lock()
	for i, w := range b.waiters {
		switch w.predicate(msg) {
		case psbot.VerdictIgnore:
			continue
		case psbot.VerdictMatch:
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			b.mu.Unlock()
			w.result <- fakeResult{msg: msg}
			return true
		case psbot.VerdictReject:
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			b.mu.Unlock()
			w.result <- fakeResult{err: &psbot.PredicateRejectionError{
				Description: w.description,
				Message:     msg,
			}}
			return true
		}
	}
	b.mu.Unlock()
	return false
}

func (b *fakeBot) SetOnMessage(h func(msg string)) {
	b.mu.Lock()
	b.onMessage = h
	b.mu.Unlock()
}

// observe hands msg to the installed catch-all observer, like an
// unclaimed message falling out of the real dispatch loop.
func (b *fakeBot) observe(msg string) {
	b.mu.Lock()
	h := b.onMessage
	b.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

func (b *fakeBot) SetOnDisconnect(h func()) {
	b.mu.Lock()
	b.onDisconnect = h
	b.mu.Unlock()
}

func (b *fakeBot) Disconnect() {
	b.mu.Lock()
	hook := b.onDisconnect
	b.onDisconnect = nil
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (b *fakeBot) Username() string { return b.name }

func (b *fakeBot) WaiterDescriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.waiters))
	for i, w := range b.waiters {
		out[i] = w.description
	}
	return out
}

func (b *fakeBot) sentCommands() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.sent...)
}

// stubTeams hands out pre-validated rosters, optionally failing the
// first n calls with validation problems.
type stubTeams struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (st *stubTeams) GenerateTeam(format string) (Team, []string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.calls++
	if st.failures > 0 {
		st.failures--
		return Team{}, []string{fmt.Sprintf("set %d is illegal in %s", st.calls, format)}, nil
	}
	return Team{Packed: fmt.Sprintf("mon%d|||ability|move|Serious||||||", st.calls)}, nil, nil
}

func testPool() *SetsPool {
	entry := SpeciesEntry{
		Weight: 1,
		Sets: []FactorySet{{
			Weight:  1,
			Item:    []string{"Leftovers"},
			Ability: []string{"Levitate"},
			Nature:  []string{"Timid"},
			EVs:     map[string]int{"hp": 252, "spe": 252, "spd": 4},
			IVs:     map[string]int{"atk": 0},
			Moves:   [][]string{{"Shadow Ball"}, {"Sludge Bomb"}, {"Substitute"}, {"Pain Split"}},
		}},
	}
	formats := map[string]map[string]SpeciesEntry{
		"2025/2025_04.txt": {
			"gengar": entry, "klefki": entry, "marowak": entry,
			"primarina": entry, "talonflame": entry, "weezing": entry,
			"zoroark": entry,
		},
		"Uber": {
			"koraidon": entry, "miraidon": entry, "arceus": entry,
			"zacian": entry, "kyogre": entry, "groudon": entry,
		},
	}
	return NewSetsPool(formats)
}

func newTestService(t *testing.T) (*Service, *fakeBot, *fakeBot) {
	t.Helper()
	bot1 := newFakeBot("Bot One")
	bot2 := newFakeBot("Bot Two")
	s := New(Config{
		Interval: time.Hour,
		Sudoers:  []string{"Admin User"},
		Banned:   []string{"Pest User"},
	}, testPool(), &stubTeams{})
	bots := []*fakeBot{bot1, bot2}
	s.NewBot = func(name string) Bot {
		b := bots[0]
		bots = bots[1:]
		return b
	}
	return s, bot1, bot2
}

func connectTestService(t *testing.T, s *Service) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("could not start the test service: %v", err)
	}
	t.Cleanup(s.Shutdown)
	return ctx
}
