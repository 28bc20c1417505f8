package index

import (
	"context"
	"errors"
	"math"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/loanagent/internal/backoff"
)

// keywordEmbedder maps text onto a fixed vocabulary so similarity is
// predictable: each dimension counts occurrences of one keyword.
type keywordEmbedder struct {
	mu        sync.Mutex
	vocab     []string
	docCalls  int
	docTexts  [][]string
	queries   int
	failDocs  int // fail this many document calls before succeeding
	failQuery error
}

func newKeywordEmbedder(vocab ...string) *keywordEmbedder {
	return &keywordEmbedder{vocab: vocab}
}

func (e *keywordEmbedder) vector(text string) []float32 {
	text = strings.ToLower(text)
	v := make([]float32, len(e.vocab))
	for i, w := range e.vocab {
		v[i] = float32(strings.Count(text, w))
	}
	return v
}

func (e *keywordEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queries++
	if e.failQuery != nil {
		return nil, e.failQuery
	}
	return e.vector(text), nil
}

func (e *keywordEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.docCalls++
	if e.failDocs > 0 {
		e.failDocs--
		return nil, errors.New("backend unavailable")
	}
	e.docTexts = append(e.docTexts, append([]string(nil), texts...))
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *keywordEmbedder) Name() string  { return "keyword" }
func (e *keywordEmbedder) Model() string { return "keyword-v1" }

type entry struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

func items(entries ...entry) []Item {
	out := make([]Item, len(entries))
	for i, e := range entries {
		out[i] = Item{ID: e.ID, Source: e}
	}
	return out
}

func describe(item Item) string {
	e := item.Source.(entry)
	return e.ID + ": " + e.Description
}

var noWait = &backoff.Policy{}

func TestLoadIdempotent(t *testing.T) {
	emb := newKeywordEmbedder("loan", "customer", "payment")
	cache := NewMemoryCache()
	ix := New("api", emb, cache, Options{Backoff: noWait})
	catalog := items(
		entry{"LNO8888C.SVC", "create loan"},
		entry{"LNO8888D.SVC", "manipulate loan portfolio"},
	)

	if err := ix.Load(context.Background(), catalog, describe); err != nil {
		t.Fatalf("first Load: %v", err)
	}
	if emb.docCalls != 1 || len(emb.docTexts[0]) != 2 {
		t.Fatalf("first Load: calls=%d texts=%v", emb.docCalls, emb.docTexts)
	}
	if cache.Saves != 1 {
		t.Fatalf("saves = %d, want 1", cache.Saves)
	}

	if err := ix.Load(context.Background(), catalog, describe); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if emb.docCalls != 1 {
		t.Errorf("unchanged Load made %d backend calls, want 0 extra", emb.docCalls-1)
	}
	if cache.Saves != 1 {
		t.Errorf("unchanged Load wrote the cache")
	}
}

func TestLoadFromPersistedCache(t *testing.T) {
	emb := newKeywordEmbedder("loan")
	cache := NewMemoryCache()
	catalog := items(entry{"a", "loan"}, entry{"b", "other"})

	if err := New("sql", emb, cache, Options{Backoff: noWait}).Load(context.Background(), catalog, describe); err != nil {
		t.Fatal(err)
	}

	// A new process with the same cache embeds nothing.
	fresh := New("sql", emb, cache, Options{Backoff: noWait})
	if err := fresh.Load(context.Background(), catalog, describe); err != nil {
		t.Fatal(err)
	}
	if emb.docCalls != 1 {
		t.Errorf("docCalls = %d, want 1", emb.docCalls)
	}
	if got := len(fresh.Records()); got != 2 {
		t.Errorf("records = %d", got)
	}
}

func TestLoadInvalidatesOnlyChangedItems(t *testing.T) {
	emb := newKeywordEmbedder("loan", "customer")
	cache := NewMemoryCache()
	ix := New("schema", emb, cache, Options{Backoff: noWait})
	ctx := context.Background()

	if err := ix.Load(ctx, items(entry{"a", "loan"}, entry{"b", "customer"}, entry{"c", "loan customer"}), describe); err != nil {
		t.Fatal(err)
	}

	// b changes, c is removed, d is added.
	if err := ix.Load(ctx, items(entry{"a", "loan"}, entry{"b", "customer loan"}, entry{"d", "new"}), describe); err != nil {
		t.Fatal(err)
	}
	if emb.docCalls != 2 {
		t.Fatalf("docCalls = %d, want 2", emb.docCalls)
	}
	second := emb.docTexts[1]
	if len(second) != 2 || second[0] != "b: customer loan" || second[1] != "d: new" {
		t.Errorf("second batch = %q", second)
	}

	records := ix.Records()
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	if strings.Join(ids, ",") != "a,b,d" {
		t.Errorf("ids = %v, want a,b,d", ids)
	}

	persisted, _ := cache.LoadRecords(ctx, "schema", "keyword-v1")
	if len(persisted) != 3 {
		t.Errorf("persisted %d records, want 3 (c pruned)", len(persisted))
	}
}

func TestLoadPruneOnlyPersists(t *testing.T) {
	emb := newKeywordEmbedder("loan")
	cache := NewMemoryCache()
	ix := New("api", emb, cache, Options{Backoff: noWait})
	ctx := context.Background()

	_ = ix.Load(ctx, items(entry{"a", "loan"}, entry{"b", "x"}), describe)
	if err := ix.Load(ctx, items(entry{"a", "loan"}), describe); err != nil {
		t.Fatal(err)
	}
	if emb.docCalls != 1 {
		t.Errorf("prune should not embed, docCalls = %d", emb.docCalls)
	}
	if cache.Saves != 2 {
		t.Errorf("saves = %d, want 2", cache.Saves)
	}
}

func TestLoadRejectsBadItems(t *testing.T) {
	ix := New("api", newKeywordEmbedder("x"), nil, Options{Backoff: noWait})
	if err := ix.Load(context.Background(), []Item{{ID: ""}}, func(Item) string { return "" }); err == nil {
		t.Error("expected error for empty id")
	}
	if err := ix.Load(context.Background(), []Item{{ID: "a"}, {ID: "a"}}, func(Item) string { return "" }); err == nil {
		t.Error("expected error for duplicate id")
	}
}

func TestLoadRetriesEmbedding(t *testing.T) {
	emb := newKeywordEmbedder("loan")
	emb.failDocs = 2
	ix := New("api", emb, nil, Options{Backoff: noWait, Attempts: 3})
	if err := ix.Load(context.Background(), items(entry{"a", "loan"}), describe); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if emb.docCalls != 3 {
		t.Errorf("docCalls = %d, want 3", emb.docCalls)
	}

	failing := newKeywordEmbedder("loan")
	failing.failDocs = 5
	ix = New("api", failing, nil, Options{Backoff: noWait, Attempts: 2})
	if err := ix.Load(context.Background(), items(entry{"a", "loan"}), describe); !errors.Is(err, backoff.ErrMaxAttemptsExhausted) {
		t.Fatalf("err = %v, want exhausted", err)
	}
	if _, err := ix.FindRelevant(context.Background(), "loan", 1); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("FindRelevant after failed Load: %v", err)
	}
}

func TestFindRelevant(t *testing.T) {
	emb := newKeywordEmbedder("loan", "customer", "payment")
	ix := New("sql", emb, nil, Options{Backoff: noWait})
	ctx := context.Background()
	err := ix.Load(ctx, items(
		entry{"getCustomerById", "customer"},
		entry{"listLoansByCustomer", "loan customer"},
		entry{"listPayments", "payment payment"},
		entry{"listLoans", "loan loan"},
	), describe)
	if err != nil {
		t.Fatal(err)
	}

	matches, err := ix.FindRelevant(ctx, "show loan for customer", 2)
	if err != nil {
		t.Fatalf("FindRelevant: %v", err)
	}
	if emb.queries != 1 {
		t.Errorf("queries = %d, want 1", emb.queries)
	}
	if len(matches) != 2 || matches[0].ID != "listLoansByCustomer" {
		t.Fatalf("matches = %+v", matches)
	}
	if matches[0].Score < matches[1].Score {
		t.Error("matches not sorted descending")
	}
	if string(matches[0].Metadata) == "" || !strings.Contains(string(matches[0].Metadata), "loan customer") {
		t.Errorf("metadata = %s", matches[0].Metadata)
	}

	all, _ := ix.FindRelevant(ctx, "loan", 10)
	if len(all) != 4 {
		t.Errorf("topK above size returned %d", len(all))
	}
	none, _ := ix.FindRelevant(ctx, "loan", 0)
	if none != nil {
		t.Errorf("topK 0 returned %v", none)
	}
}

func TestFindRelevantTiesKeepCatalogOrder(t *testing.T) {
	emb := newKeywordEmbedder("loan")
	ix := New("api", emb, nil, Options{Backoff: noWait})
	ctx := context.Background()
	if err := ix.Load(ctx, items(entry{"first", "loan"}, entry{"second", "loan"}, entry{"third", "loan"}), describe); err != nil {
		t.Fatal(err)
	}
	matches, err := ix.FindRelevant(ctx, "loan", 3)
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []string{"first", "second", "third"} {
		if matches[i].ID != want {
			t.Errorf("matches[%d] = %s, want %s", i, matches[i].ID, want)
		}
	}
}

func TestFindRelevantErrors(t *testing.T) {
	emb := newKeywordEmbedder("loan")
	ix := New("api", emb, nil, Options{Backoff: noWait, Attempts: 1})
	if _, err := ix.FindRelevant(context.Background(), "x", 1); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("err = %v, want ErrNotLoaded", err)
	}
	_ = ix.Load(context.Background(), items(entry{"a", "loan"}), describe)
	emb.failQuery = errors.New("down")
	if _, err := ix.FindRelevant(context.Background(), "x", 1); err == nil {
		t.Error("expected query error")
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"length mismatch", []float32{1, 2}, []float32{1, 2, 3}, 0},
		{"empty", nil, nil, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cosine(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("Cosine = %v, want %v", got, tt.want)
			}
			if got < -1-1e-9 || got > 1+1e-9 {
				t.Errorf("Cosine out of bounds: %v", got)
			}
		})
	}
}

func TestHashText(t *testing.T) {
	if HashText("a") == HashText("b") {
		t.Error("different texts share a hash")
	}
	if len(HashText("loan")) != 64 {
		t.Errorf("hash length = %d", len(HashText("loan")))
	}
}

func TestFileCache(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewFileCache(dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	records, err := cache.LoadRecords(ctx, "api", "text-embedding-3-small")
	if err != nil || records != nil {
		t.Fatalf("missing file = %v, %v", records, err)
	}

	want := []Record{{ID: "a", Hash: HashText("a"), Text: "a", Vector: []float32{0.5, 1}}}
	if err := cache.SaveRecords(ctx, "api", "tngtech/model:free", want); err != nil {
		t.Fatal(err)
	}
	path := cache.Path("api", "tngtech/model:free")
	if !strings.HasSuffix(path, "api-tngtech_model_free.json") {
		t.Errorf("path = %s", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stat: %v", err)
	}

	got, err := cache.LoadRecords(ctx, "api", "tngtech/model:free")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "a" || got[0].Vector[1] != 1 {
		t.Errorf("got = %+v", got)
	}

	if err := os.WriteFile(cache.Path("sql", "m"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.LoadRecords(ctx, "sql", "m"); err == nil {
		t.Error("expected decode error")
	}
}

func TestIndexWithFileCacheAcrossInstances(t *testing.T) {
	cache, err := NewFileCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	emb := newKeywordEmbedder("loan")
	catalog := items(entry{"a", "loan"})

	if err := New("api", emb, cache, Options{Backoff: noWait}).Load(context.Background(), catalog, describe); err != nil {
		t.Fatal(err)
	}
	if err := New("api", emb, cache, Options{Backoff: noWait}).Load(context.Background(), catalog, describe); err != nil {
		t.Fatal(err)
	}
	if emb.docCalls != 1 {
		t.Errorf("docCalls = %d, want 1", emb.docCalls)
	}
}
