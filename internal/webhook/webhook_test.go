package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"pogobot/internal/model"
	logx "pogobot/pkg/logx"
)

const sample = `[
 {"type":"pokemon","message":{"encounter_id":"12345678901234567890","pokemon_id":25,"latitude":52.5,"longitude":13.4,
   "individual_attack":15,"individual_defense":14,"individual_stamina":13,"disappear_time":1714564800,"cp":812,"pokemon_level":30}},
 {"type":"pokemon","message":{"encounter_id":987,"pokemon_id":1,"latitude":1,"longitude":2,"individual_attack":null}},
 {"type":"raid","message":{"gym_id":"g1","name":"Fountain","level":5,"pokemon_id":150,"start":100,"end":200,"latitude":1,"longitude":2,"move_1":"Confusion","move_2":"Psystrike"}},
 {"type":"raid","message":{"gym_id":"g2","level":3,"pokemon_id":-1,"end":300}},
 {"type":"egg","message":{"gym_id":"g3","level":1,"end":400}},
 {"type":"weather","message":{}}
]`

func TestDecode(t *testing.T) {
	b, err := Decode([]byte(sample))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(b.Sightings) != 2 || len(b.Raids) != 3 || b.Ignored != 1 {
		t.Fatalf("batch sizes: %d sightings %d raids %d ignored", len(b.Sightings), len(b.Raids), b.Ignored)
	}

	s := b.Sightings[0]
	if s.EncounterID != "12345678901234567890" || *s.SpeciesID != 25 || !s.HasStats() || s.CP != 812 || s.Level != 30 {
		t.Fatalf("sighting 0=%+v", s)
	}
	if s.DisappearTime == nil || s.DisappearTime.Unix() != 1714564800 {
		t.Fatalf("disappear=%v", s.DisappearTime)
	}
	if s := b.Sightings[1]; s.EncounterID != "987" || s.HasStats() {
		t.Fatalf("sighting 1=%+v", s)
	}

	tests := []struct {
		gym   string
		egg   bool
		level int
		name  string
	}{
		{"g1", false, 5, "Fountain"},
		{"g2", true, 3, ""},
		{"g3", true, 1, ""},
	}
	for i, tt := range tests {
		r := b.Raids[i]
		if r.GymID != tt.gym || r.Boss.IsEgg() != tt.egg || r.Level != tt.level || r.GymName != tt.name {
			t.Fatalf("raid %d=%+v", i, r)
		}
	}
	if id, ok := b.Raids[0].Boss.SpeciesID(); !ok || id != 150 {
		t.Fatalf("boss=%v", b.Raids[0].Boss)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", "  "},
		{"not json", "hello"},
		{"bad id", `[{"type":"pokemon","message":{"encounter_id":true}}]`},
		{"bad message", `[{"type":"raid","message":"x"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestDecodeSingleEnvelope(t *testing.T) {
	b, err := Decode([]byte(`{"type":"pokemon","message":{"encounter_id":"x","pokemon_id":0}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(b.Sightings) != 1 || b.Sightings[0].SpeciesID != nil {
		t.Fatalf("species 0 should map to unknown: %+v", b.Sightings)
	}
}

type recorder struct {
	mu        sync.Mutex
	sightings []model.Sighting
	raids     []model.RaidEvent
	fail      bool
}

func (r *recorder) SubmitSighting(_ context.Context, s model.Sighting) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("queue full")
	}
	r.sightings = append(r.sightings, s)
	return nil
}

func (r *recorder) SubmitRaidEvent(_ context.Context, e model.RaidEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raids = append(r.raids, e)
	return nil
}

func do(h http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestWebhookHandler(t *testing.T) {
	rec := &recorder{}
	srv := New(Config{Secret: "s3cret"}, rec, func() any { return map[string]int{"queues": 3} }, logx.Nop())
	h := srv.Router()

	if w := do(h, http.MethodPost, "/webhook", sample, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing secret code=%d", w.Code)
	}
	w := do(h, http.MethodPost, "/webhook", sample, map[string]string{SecretHeader: "s3cret"})
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"sightings":2`) || !strings.Contains(w.Body.String(), `"raids":3`) {
		t.Fatalf("body=%s", w.Body.String())
	}
	if len(rec.sightings) != 2 || len(rec.raids) != 3 {
		t.Fatalf("ingested %d/%d", len(rec.sightings), len(rec.raids))
	}

	if w := do(h, http.MethodPost, "/webhook", "{", map[string]string{SecretHeader: "s3cret"}); w.Code != http.StatusBadRequest {
		t.Fatalf("bad body code=%d", w.Code)
	}
	if w := do(h, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("healthz code=%d", w.Code)
	}
	if w := do(h, http.MethodGet, "/stats", "", nil); !strings.Contains(w.Body.String(), `"queues":3`) {
		t.Fatalf("stats body=%s", w.Body.String())
	}
}

func TestWebhookRejectedCounted(t *testing.T) {
	rec := &recorder{fail: true}
	h := New(Config{}, rec, nil, logx.Nop()).Router()
	w := do(h, http.MethodPost, "/webhook", sample, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"rejected":2`) {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
}

func TestWebhookLimits(t *testing.T) {
	rec := &recorder{}
	h := New(Config{RatePerSec: 1, Burst: 1, MaxBody: 16}, rec, nil, logx.Nop()).Router()

	if w := do(h, http.MethodPost, "/webhook", sample, nil); w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized code=%d", w.Code)
	}
	if w := do(h, http.MethodPost, "/webhook", "[]", nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("rate limited code=%d", w.Code)
	}
}

func TestProfilingMount(t *testing.T) {
	off := New(Config{}, &recorder{}, nil, logx.Nop()).Router()
	if w := do(off, http.MethodGet, "/debug/pprof/", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("profiling disabled code=%d", w.Code)
	}
	on := New(Config{Profiling: true}, &recorder{}, nil, logx.Nop()).Router()
	if w := do(on, http.MethodGet, "/debug/pprof/", "", nil); w.Code != http.StatusOK {
		t.Fatalf("profiling enabled code=%d", w.Code)
	}
}
