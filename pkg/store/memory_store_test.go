package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"botsmith/pkg/domain"
)

func testExpiry() time.Time {
	return time.Now().Add(time.Hour).UTC()
}

func TestConsumeCreditsSingleDebit(t *testing.T) {
	s := NewMemoryStore()
	s.SetCreditBalance("owner-1", 3)

	balance, err := s.ConsumeCredits("owner-1", 1)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if balance != 2 {
		t.Fatalf("balance = %d, want 2", balance)
	}
}

func TestConsumeCreditsInsufficient(t *testing.T) {
	s := NewMemoryStore()
	s.SetCreditBalance("owner-1", 0)
	if _, err := s.ConsumeCredits("owner-1", 1); !errors.Is(err, ErrOutOfCredits) {
		t.Fatalf("err = %v, want ErrOutOfCredits", err)
	}
	if _, err := s.ConsumeCredits("nobody", 1); !errors.Is(err, ErrOutOfCredits) {
		t.Fatalf("missing owner err = %v, want ErrOutOfCredits", err)
	}
}

func TestConsumeCreditsConcurrentDebitsNeverGoNegative(t *testing.T) {
	s := NewMemoryStore()
	s.SetCreditBalance("owner-1", 1)

	const workers = 16
	var wg sync.WaitGroup
	successes := make(chan int64, workers)
	failures := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			balance, err := s.ConsumeCredits("owner-1", 1)
			if err != nil {
				failures <- err
				return
			}
			successes <- balance
		}()
	}
	wg.Wait()
	close(successes)
	close(failures)

	if len(successes) != 1 {
		t.Fatalf("successes = %d, want exactly 1", len(successes))
	}
	for err := range failures {
		if !errors.Is(err, ErrOutOfCredits) {
			t.Fatalf("failure = %v, want ErrOutOfCredits", err)
		}
	}
	balance, ok, err := s.GetCreditBalance("owner-1")
	if err != nil || !ok {
		t.Fatalf("get balance: ok=%v err=%v", ok, err)
	}
	if balance != 0 {
		t.Fatalf("final balance = %d, want 0 (never negative)", balance)
	}
}

func TestSearchDocumentsRanksBySimilarity(t *testing.T) {
	s := NewMemoryStore()
	s.AddDocument(domain.Document{ID: "d1", BotID: "b1", Content: "alpha"}, []float32{1, 0})
	s.AddDocument(domain.Document{ID: "d2", BotID: "b1", Content: "beta"}, []float32{0, 1})
	s.AddDocument(domain.Document{ID: "d3", BotID: "b2", Content: "other bot"}, []float32{1, 0})

	docs, err := s.SearchDocuments("b1", []float32{1, 0.1}, 5, 0.5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "d1" {
		t.Fatalf("docs = %+v, want only d1 above threshold", docs)
	}
}

func TestConnectorTokenWriteback(t *testing.T) {
	s := NewMemoryStore()
	s.SaveConnector(domain.WorkspaceConnector{
		WorkspaceID: "ws-1",
		Provider:    domain.ProviderGoogleCalendar,
		AccessToken: "old",
	})
	if err := s.UpdateConnectorToken("ws-1", domain.ProviderGoogleCalendar, "new", testExpiry()); err != nil {
		t.Fatalf("update token: %v", err)
	}
	connectors, err := s.ListConnectorsByWorkspace("ws-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if connectors[0].AccessToken != "new" {
		t.Fatalf("access token = %q, want refreshed value", connectors[0].AccessToken)
	}
	if err := s.UpdateConnectorToken("ws-1", domain.ProviderCalendly, "x", testExpiry()); err == nil {
		t.Fatalf("updating a missing connector should fail")
	}
}
