package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leaderboard-sync/internal/domain"
)

type fakeSource struct {
	scores  map[string][]domain.UpstreamScore
	metaErr error
	err     error
}

func (f *fakeSource) ItemScores(ctx context.Context, itemID string) ([]domain.UpstreamScore, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.scores[itemID], nil
}

func (f *fakeSource) ItemMetadata(ctx context.Context, itemID string) (*domain.ItemMetadata, error) {
	if f.metaErr != nil {
		return nil, f.metaErr
	}
	return &domain.ItemMetadata{ID: itemID, Label: "meta-" + itemID}, nil
}

type memStore struct {
	mu       sync.Mutex
	scores   map[string][]domain.Score
	items    map[string]domain.ItemRecord
	stats    map[string]domain.PlayerStats
	touched  []string
	writes   int
	failNext error
}

func newMemStore() *memStore {
	return &memStore{
		scores: make(map[string][]domain.Score),
		items:  make(map[string]domain.ItemRecord),
		stats:  make(map[string]domain.PlayerStats),
	}
}

func (m *memStore) ReplaceItemScores(ctx context.Context, item domain.ItemRecord, scores []domain.Score) (domain.Replacement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return domain.Replacement{}, err
	}
	var replaced domain.Replacement
	for _, s := range m.scores[item.ID] {
		replaced.PreviousPlayers = append(replaced.PreviousPlayers, s.PlayerID)
		if s.Rank == 1 {
			replaced.PreviousTop = s.PlayerID
		}
	}
	m.items[item.ID] = item
	m.scores[item.ID] = append([]domain.Score(nil), scores...)
	m.writes++
	return replaced, nil
}

func (m *memStore) TouchItem(ctx context.Context, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched = append(m.touched, itemID)
	return nil
}

func (m *memStore) PlayerScores(ctx context.Context, playerID string) ([]domain.Score, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Score
	for _, scores := range m.scores {
		for _, s := range scores {
			if s.PlayerID == playerID {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func (m *memStore) UpdatePlayerStats(ctx context.Context, playerID string, stats domain.PlayerStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[playerID] = stats
	return nil
}

func (m *memStore) itemScores(itemID string) []domain.Score {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Score(nil), m.scores[itemID]...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, e domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) ofType(t string) []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func score(id, country string, points int64, perf float64) domain.UpstreamScore {
	return domain.UpstreamScore{
		Player:      domain.UpstreamPlayer{ID: id, Username: "user" + id, CountryCode: country},
		Score:       points,
		Performance: perf,
		CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestReconcile_DenseRanksForTrackedPlayers(t *testing.T) {
	source := &fakeSource{scores: map[string][]domain.UpstreamScore{
		"x": {
			score("1", "US", 1000, 300),
			score("2", "JP", 990, 290),
			score("3", "KR", 980, 280),
			score("4", "jp", 970, 270),
			score("5", "JP", 960, 260),
		},
	}}
	store := newMemStore()
	r := NewReconciler(source, store, CountryMembership("JP"), testLogger())

	result, err := r.Reconcile(context.Background(), domain.Item{ID: "x", Label: "Item X"})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if result.Matched != 3 || result.Total != 5 {
		t.Errorf("Expected 3/5 matched, got %+v", result)
	}

	stored := store.itemScores("x")
	wantOrder := []string{"2", "4", "5"}
	if len(stored) != len(wantOrder) {
		t.Fatalf("Expected %d rows, got %d", len(wantOrder), len(stored))
	}
	for i, s := range stored {
		if s.Rank != i+1 {
			t.Errorf("row %d: expected rank %d, got %d", i, i+1, s.Rank)
		}
		if s.PlayerID != wantOrder[i] {
			t.Errorf("row %d: expected player %s, got %s", i, wantOrder[i], s.PlayerID)
		}
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	source := &fakeSource{scores: map[string][]domain.UpstreamScore{
		"x": {score("1", "JP", 100, 10), score("2", "JP", 90, 9)},
	}}
	store := newMemStore()
	pub := &recordingPublisher{}
	r := NewReconciler(source, store, CountryMembership("JP"), testLogger())
	r.AddHook(EventHook(pub))

	ctx := context.Background()
	r.Reconcile(ctx, domain.Item{ID: "x"})
	first := store.itemScores("x")
	r.Reconcile(ctx, domain.Item{ID: "x"})
	second := store.itemScores("x")

	if len(first) != len(second) {
		t.Fatalf("Expected equal row counts, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i].PlayerID != second[i].PlayerID || first[i].Rank != second[i].Rank || first[i].Score != second[i].Score {
			t.Errorf("row %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
	if got := len(pub.ofType(domain.EventNewTopScore)); got != 0 {
		t.Errorf("Expected no top score change, got %d events", got)
	}
}

func TestReconcile_NewTopScore(t *testing.T) {
	source := &fakeSource{scores: map[string][]domain.UpstreamScore{
		"x": {score("A", "JP", 500, 50)},
	}}
	store := newMemStore()
	pub := &recordingPublisher{}
	r := NewReconciler(source, store, CountryMembership("JP"), testLogger())
	r.AddHook(EventHook(pub))

	ctx := context.Background()
	if _, err := r.Reconcile(ctx, domain.Item{ID: "x", Label: "X"}); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	source.scores["x"] = []domain.UpstreamScore{score("B", "JP", 600, 60), score("A", "JP", 500, 50)}
	if _, err := r.Reconcile(ctx, domain.Item{ID: "x", Label: "X"}); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	stored := store.itemScores("x")
	if stored[0].PlayerID != "B" || stored[0].Rank != 1 || stored[1].PlayerID != "A" || stored[1].Rank != 2 {
		t.Errorf("Expected B rank 1 and A rank 2, got %+v", stored)
	}

	events := pub.ofType(domain.EventNewTopScore)
	if len(events) != 1 {
		t.Fatalf("Expected 1 new top score event, got %d", len(events))
	}
	top, ok := events[0].Data.(*domain.NewTopScore)
	if !ok {
		t.Fatalf("Expected *NewTopScore payload, got %T", events[0].Data)
	}
	if top.PlayerID != "B" || top.PreviousPlayerID != "A" {
		t.Errorf("Expected B over A, got %+v", top)
	}
}

func TestReconcile_EmptyFilteredSetWritesNothing(t *testing.T) {
	source := &fakeSource{scores: map[string][]domain.UpstreamScore{
		"x": {score("1", "US", 100, 10)},
	}}
	store := newMemStore()
	store.scores["x"] = []domain.Score{{ItemID: "x", PlayerID: "old", Rank: 1}}
	pub := &recordingPublisher{}
	r := NewReconciler(source, store, CountryMembership("JP"), testLogger())
	r.AddHook(EventHook(pub))

	result, err := r.Reconcile(context.Background(), domain.Item{ID: "x"})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if result.Matched != 0 || result.Total != 1 {
		t.Errorf("Expected 0/1, got %+v", result)
	}
	if store.writes != 0 {
		t.Errorf("Expected no writes, got %d", store.writes)
	}
	if got := store.itemScores("x"); len(got) != 1 || got[0].PlayerID != "old" {
		t.Errorf("Expected stored scores untouched, got %+v", got)
	}
	if len(store.touched) != 1 {
		t.Errorf("Expected item marked reconciled")
	}
	if len(pub.events) != 0 {
		t.Errorf("Expected no events, got %d", len(pub.events))
	}
}

func TestReconcile_DuplicatePlayerKeepsFirst(t *testing.T) {
	source := &fakeSource{scores: map[string][]domain.UpstreamScore{
		"x": {score("1", "JP", 100, 10), score("1", "JP", 90, 9), score("2", "JP", 80, 8)},
	}}
	store := newMemStore()
	r := NewReconciler(source, store, CountryMembership("JP"), testLogger())

	r.Reconcile(context.Background(), domain.Item{ID: "x"})
	stored := store.itemScores("x")
	if len(stored) != 2 || stored[0].Score != 100 || stored[1].PlayerID != "2" || stored[1].Rank != 2 {
		t.Errorf("Unexpected rows %+v", stored)
	}
}

func TestReconcile_MetadataFailureIsNonFatal(t *testing.T) {
	source := &fakeSource{
		scores:  map[string][]domain.UpstreamScore{"x": {score("1", "JP", 100, 10)}},
		metaErr: domain.ErrNotFound,
	}
	store := newMemStore()
	r := NewReconciler(source, store, CountryMembership("JP"), testLogger())

	if _, err := r.Reconcile(context.Background(), domain.Item{ID: "x"}); err != nil {
		t.Fatalf("Expected success without metadata, got %v", err)
	}
	if rec := store.items["x"]; rec.Metadata != nil {
		t.Errorf("Expected nil metadata, got %+v", rec.Metadata)
	}
}

func TestReconcile_UpstreamErrorPropagates(t *testing.T) {
	source := &fakeSource{err: domain.ErrRateLimited}
	r := NewReconciler(source, newMemStore(), CountryMembership("JP"), testLogger())

	if _, err := r.Reconcile(context.Background(), domain.Item{ID: "x"}); !errors.Is(err, domain.ErrRateLimited) {
		t.Errorf("Expected ErrRateLimited, got %v", err)
	}
}

func TestReconcile_PersistenceFailureSkipsHooks(t *testing.T) {
	source := &fakeSource{scores: map[string][]domain.UpstreamScore{"x": {score("1", "JP", 100, 10)}}}
	store := newMemStore()
	store.failNext = domain.ErrPersistence

	var hookRuns atomic.Int32
	r := NewReconciler(source, store, CountryMembership("JP"), testLogger())
	r.AddHook(HookFunc(func(ctx context.Context, c Change) error {
		hookRuns.Add(1)
		return nil
	}))

	if _, err := r.Reconcile(context.Background(), domain.Item{ID: "x"}); !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("Expected ErrPersistence, got %v", err)
	}
	if hookRuns.Load() != 0 {
		t.Error("Expected hooks not to run after a failed commit")
	}
}

type recordingPost struct {
	players []string
}

func (p *recordingPost) Process(ctx context.Context, playerIDs []string) error {
	p.players = append(p.players, playerIDs...)
	return errors.New("achievements offline")
}

func TestReconcile_HooksAreIsolated(t *testing.T) {
	source := &fakeSource{scores: map[string][]domain.UpstreamScore{"x": {score("1", "JP", 100, 10)}}}
	store := newMemStore()
	post := &recordingPost{}

	var order []string
	r := NewReconciler(source, store, CountryMembership("JP"), testLogger())
	r.SetPostProcessor(post)
	r.AddHook(HookFunc(func(ctx context.Context, c Change) error {
		order = append(order, "panics")
		panic("boom")
	}))
	r.AddHook(HookFunc(func(ctx context.Context, c Change) error {
		order = append(order, "fails")
		return errors.New("failed")
	}))
	r.AddHook(HookFunc(func(ctx context.Context, c Change) error {
		order = append(order, "runs")
		return nil
	}))

	if _, err := r.Reconcile(context.Background(), domain.Item{ID: "x"}); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(order) != 3 || order[2] != "runs" {
		t.Errorf("Expected every hook to run, got %v", order)
	}
	if len(post.players) != 1 || post.players[0] != "1" {
		t.Errorf("Expected post processor to see player 1, got %v", post.players)
	}
}

func TestReconcile_RecomputesAggregates(t *testing.T) {
	source := &fakeSource{scores: map[string][]domain.UpstreamScore{
		"x": {score("1", "JP", 100, 200)},
		"y": {score("2", "JP", 300, 150), score("1", "JP", 250, 100)},
	}}
	store := newMemStore()
	r := NewReconciler(source, store, CountryMembership("JP"), testLogger())

	ctx := context.Background()
	r.Reconcile(ctx, domain.Item{ID: "x"})
	r.Reconcile(ctx, domain.Item{ID: "y"})

	stats := store.stats["1"]
	if stats.ScoreCount != 2 || stats.FirstPlaces != 1 || stats.BestScore != 250 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	want := 200 + 100*PerformanceDecay
	if math.Abs(stats.WeightedPerformance-want) > 1e-9 {
		t.Errorf("Expected weighted %v, got %v", want, stats.WeightedPerformance)
	}
}

func TestReconcile_RecomputesDroppedPlayers(t *testing.T) {
	source := &fakeSource{scores: map[string][]domain.UpstreamScore{
		"x": {score("1", "JP", 100, 200), score("3", "JP", 90, 150)},
	}}
	store := newMemStore()
	r := NewReconciler(source, store, CountryMembership("JP"), testLogger())

	var changes []Change
	r.AddHook(HookFunc(func(ctx context.Context, change Change) error {
		changes = append(changes, change)
		return nil
	}))

	ctx := context.Background()
	if _, err := r.Reconcile(ctx, domain.Item{ID: "x"}); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if got := store.stats["3"]; got.ScoreCount != 1 || got.TopTenPlaces != 1 {
		t.Fatalf("Expected player 3 counted after first run, got %+v", got)
	}

	source.scores["x"] = []domain.UpstreamScore{score("1", "JP", 100, 200)}
	if _, err := r.Reconcile(ctx, domain.Item{ID: "x"}); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if got := store.stats["3"]; got != (domain.PlayerStats{}) {
		t.Errorf("Expected dropped player aggregates cleared, got %+v", got)
	}
	if got := store.stats["1"]; got.ScoreCount != 1 || got.FirstPlaces != 1 {
		t.Errorf("Unexpected stats for remaining player %+v", got)
	}

	ids := changes[len(changes)-1].PlayerIDs()
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "1" || ids[1] != "3" {
		t.Errorf("Expected change to name players [1 3], got %v", ids)
	}
}

type countingRegistrar struct {
	mu  sync.Mutex
	ids []string
}

func (c *countingRegistrar) Register(ctx context.Context, cand domain.Candidate) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, cand.PlayerID)
	return true, nil
}

func TestReconcile_RegistersTrackedPlayers(t *testing.T) {
	source := &fakeSource{scores: map[string][]domain.UpstreamScore{
		"x": {score("1", "JP", 100, 10), score("2", "US", 90, 9)},
	}}
	reg := &countingRegistrar{}
	r := NewReconciler(source, newMemStore(), CountryMembership("JP"), testLogger())
	r.SetRegistrar(reg)

	r.Reconcile(context.Background(), domain.Item{ID: "x"})
	if len(reg.ids) != 1 || reg.ids[0] != "1" {
		t.Errorf("Expected only tracked player registered, got %v", reg.ids)
	}
}

func TestComputeStats(t *testing.T) {
	scores := []domain.Score{
		{Rank: 1, Score: 100, Performance: 50},
		{Rank: 12, Score: 300, Performance: 100},
		{Rank: 5, Score: 200, Performance: 75},
	}
	stats := ComputeStats(scores)

	if stats.ScoreCount != 3 {
		t.Errorf("Expected 3 scores, got %d", stats.ScoreCount)
	}
	if stats.AverageRank != 6 {
		t.Errorf("Expected average rank 6, got %v", stats.AverageRank)
	}
	if stats.BestScore != 300 || stats.FirstPlaces != 1 || stats.TopTenPlaces != 2 {
		t.Errorf("Unexpected placements %+v", stats)
	}
	if stats.TotalPerformance != 225 {
		t.Errorf("Expected total 225, got %v", stats.TotalPerformance)
	}
	want := 100 + 75*0.95 + 50*0.95*0.95
	if math.Abs(stats.WeightedPerformance-want) > 1e-9 {
		t.Errorf("Expected weighted %v, got %v", want, stats.WeightedPerformance)
	}

	if empty := ComputeStats(nil); empty != (domain.PlayerStats{}) {
		t.Errorf("Expected zero stats, got %+v", empty)
	}
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	k := newKeyedMutex()

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("item")
			n := active.Add(1)
			if n > maxActive.Load() {
				maxActive.Store(n)
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	if maxActive.Load() != 1 {
		t.Errorf("Expected exclusive access, saw %d concurrent holders", maxActive.Load())
	}
	if k.size() != 0 {
		t.Errorf("Expected lock table to drain, has %d", k.size())
	}
}

func TestChange_PlayerIDs(t *testing.T) {
	c := Change{
		Scores:          []domain.Score{{PlayerID: "b"}, {PlayerID: "a"}, {PlayerID: "b"}},
		PreviousPlayers: []string{"a", "c"},
	}
	ids := c.PlayerIDs()
	sort.Strings(ids)
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Errorf("Unexpected ids %v", ids)
	}
}
