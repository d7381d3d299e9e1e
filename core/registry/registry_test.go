package registry

import (
	"errors"
	"testing"
)

func TestResolveHighestPriority(t *testing.T) {
	r := New()
	if err := r.Register(CapSearch, "brave", 10, true); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(CapSearch, "serper", 20, true); err != nil {
		t.Fatalf("register: %v", err)
	}
	slug, err := r.Resolve(CapSearch)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if slug != "serper" {
		t.Fatalf("resolved %q, want serper", slug)
	}
}

func TestResolveSkipsInactive(t *testing.T) {
	r := New()
	if err := r.Register(CapReason, "openai", 20, false); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(CapReason, "anthropic", 10, true); err != nil {
		t.Fatalf("register: %v", err)
	}
	slug, err := r.Resolve(CapReason)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if slug != "anthropic" {
		t.Fatalf("resolved %q, want anthropic", slug)
	}
}

func TestResolveTieBreaksByInsertion(t *testing.T) {
	r := New()
	if err := r.Register(CapScrape, "first", 5, true); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(CapScrape, "second", 5, true); err != nil {
		t.Fatalf("register: %v", err)
	}
	slug, err := r.Resolve(CapScrape)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if slug != "first" {
		t.Fatalf("resolved %q, want first (insertion order)", slug)
	}
}

func TestResolveErrors(t *testing.T) {
	r := New()
	if _, err := r.Resolve("telepathy"); !errors.Is(err, ErrUnknownCapability) {
		t.Fatalf("err = %v, want ErrUnknownCapability", err)
	}
	if _, err := r.Resolve(CapEmail); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("err = %v, want ErrNoProvider", err)
	}
}

func TestRegisterRejectsUnknownVerb(t *testing.T) {
	r := New()
	if err := r.Register("telepathy", "acme", 1, true); !errors.Is(err, ErrUnknownCapability) {
		t.Fatalf("err = %v, want ErrUnknownCapability", err)
	}
}

func TestSetActive(t *testing.T) {
	r := New()
	if err := r.Register(CapImagine, "flux", 10, true); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.SetActive(CapImagine, "flux", false); err != nil {
		t.Fatalf("set active: %v", err)
	}
	if _, err := r.Resolve(CapImagine); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("err = %v, want ErrNoProvider after deactivation", err)
	}
	if err := r.SetActive(CapImagine, "flux", true); err != nil {
		t.Fatalf("set active: %v", err)
	}
	if slug, err := r.Resolve(CapImagine); err != nil || slug != "flux" {
		t.Fatalf("resolve = %q/%v, want flux", slug, err)
	}
}

func TestRegisterReplacesExistingSlug(t *testing.T) {
	r := New()
	if err := r.Register(CapSMS, "twilio", 10, true); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(CapSMS, "twilio", 30, true); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	providers, err := r.Providers(CapSMS)
	if err != nil {
		t.Fatalf("providers: %v", err)
	}
	if len(providers) != 1 {
		t.Fatalf("providers = %d, want 1 after replace", len(providers))
	}
	if providers[0].Priority != 30 {
		t.Fatalf("priority = %d, want 30", providers[0].Priority)
	}
}
