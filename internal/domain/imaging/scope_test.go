package imaging

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/imaging/internal/platform/websocket"
)

func TestScope_StringRoundTrip(t *testing.T) {
	patient := uuid.MustParse("7d1c2f3e-0000-4000-8000-000000000001")
	scopes := []Scope{
		StudiesScope(patient),
		SeriesScope(7),
		InstancesScope(7, "1.2.840.113619.2.55"),
		RequestsScope(patient),
		StepsScope(3),
		CandidatesScope(patient, 2),
	}
	for _, s := range scopes {
		parsed, err := ParseScope(s.String())
		if err != nil {
			t.Errorf("ParseScope(%q) error: %v", s, err)
			continue
		}
		if parsed != s {
			t.Errorf("ParseScope(%q) = %+v, want %+v", s, parsed, s)
		}
	}

	if got := InstancesScope(7, "1.2.3").String(); got != "instances/study/7/series/1.2.3" {
		t.Errorf("unexpected instances topic %q", got)
	}
	if got := CandidatesScope(patient, 2).String(); got != "candidates/patient/"+patient.String()+"/archive/2" {
		t.Errorf("unexpected candidates topic %q", got)
	}
}

func TestParseScope_Malformed(t *testing.T) {
	for _, s := range []string{
		"",
		"studies",
		"studies/patient/not-a-uuid",
		"series/study/abc",
		"instances/study/7/series/",
		"steps/request/x",
		"candidates/patient/" + uuid.NewString() + "/archive/one",
		"patients/1",
	} {
		if _, err := ParseScope(s); !errors.Is(err, ErrValidation) {
			t.Errorf("ParseScope(%q): expected validation error, got %v", s, err)
		}
	}
}

func TestValidateTopic(t *testing.T) {
	if err := ValidateTopic("series/study/12"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateTopic("fhir/Patient"); err == nil {
		t.Error("expected unknown topic to be rejected")
	}
}

func TestForwardEvents(t *testing.T) {
	c := newTestCache(t, CacheOptions{})
	c.Register(KindSteps, func(_ context.Context, key ScopeKey) (PageData, error) {
		return PageData{Items: []RequestProcedureStep{}, PageNumber: key.Page, TotalPages: 1}, nil
	})

	type notice struct {
		topic, typ string
		page       int
	}
	got := make(chan notice, 4)
	ForwardEvents(c, func(topic, eventType string, page int) {
		got <- notice{topic, eventType, page}
	})

	c.FetchPage(testContext(t), ScopeKey{Scope: StepsScope(3), Page: 2, PageSize: 5})
	c.Wait()
	if n := <-got; n != (notice{"steps/request/3", "updated", 2}) {
		t.Errorf("unexpected update notice %+v", n)
	}

	c.Invalidate(StepsScope(3))
	if n := <-got; n != (notice{"steps/request/3", "invalidated", 0}) {
		t.Errorf("unexpected invalidation notice %+v", n)
	}
}

func TestTopicWatcher_SubscriptionRefreshesInvalidatedPages(t *testing.T) {
	c := newTestCache(t, CacheOptions{})
	l := newCountingLoader()
	c.Register(KindSeries, l.load)
	ctx := testContext(t)

	hub := websocket.NewHub(zerolog.Nop())
	hub.SetObserver(NewTopicWatcher(c))
	client := websocket.NewClient()
	hub.Register(client)
	hub.Subscribe(client, []string{"series/study/7", "not/a/scope"})

	c.FetchPage(ctx, seriesKey(7))
	c.Invalidate(SeriesScope(7))
	c.Wait()
	if r, _ := c.Cached(seriesKey(7)); r.IsStale || Items[string](r)[0] != "v2" {
		t.Fatalf("expected the subscribed scope to be refetched, got %+v", r)
	}

	hub.Unregister(client)
	c.Invalidate(SeriesScope(7))
	c.Wait()
	if got := l.calls.Load(); got != 2 {
		t.Errorf("expected no refetch once nobody is subscribed, got %d calls", got)
	}
	if r, _ := c.Cached(seriesKey(7)); !r.IsStale {
		t.Error("expected the page to stay stale until it is read")
	}
}

func TestTopicWatcher_CountsEachTopicOnce(t *testing.T) {
	c := newTestCache(t, CacheOptions{})
	l := newCountingLoader()
	c.Register(KindSteps, l.load)
	w := NewTopicWatcher(c)

	w.Observe("steps/request/3")
	w.Observe("steps/request/3")
	w.Forget("steps/request/3")
	w.Forget("steps/request/3")

	c.FetchPage(testContext(t), ScopeKey{Scope: StepsScope(3), Page: 1, PageSize: 5})
	c.Invalidate(StepsScope(3))
	c.Wait()
	if got := l.calls.Load(); got != 1 {
		t.Errorf("expected the scope to be unwatched, got %d calls", got)
	}
}
