package oracle

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatic(t *testing.T) {
	o := NewStatic(big.NewInt(100))
	price, ok := o.FetchPrice(context.Background())
	if !ok || price.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("fetch = %s, %v", price, ok)
	}

	o.Fail()
	if _, ok := o.FetchPrice(context.Background()); ok {
		t.Error("failed oracle still reports ok")
	}

	o.SetPrice(big.NewInt(80))
	price, ok = o.FetchPrice(context.Background())
	if !ok || price.Cmp(big.NewInt(80)) != 0 {
		t.Errorf("fetch after recovery = %s, %v", price, ok)
	}
}

func TestNewFromSpec(t *testing.T) {
	o, err := New("static:8000")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	price, ok := o.FetchPrice(context.Background())
	if !ok || price.Cmp(big.NewInt(8000)) != 0 {
		t.Errorf("fetch = %s, %v", price, ok)
	}
	if o.Spec() != "static:8000" {
		t.Errorf("spec round trip = %q", o.Spec())
	}

	if _, err := New("chainlink:0xabc"); err == nil {
		t.Error("expected error for unknown spec kind")
	}
	if _, err := New("static:notanumber"); err == nil {
		t.Error("expected error for bad static price")
	}
}

func TestFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"price": "80.5"}`))
	}))
	defer srv.Close()

	f := NewFeed(srv.URL)
	price, ok := f.FetchPrice(context.Background())
	if !ok {
		t.Fatal("fetch failed")
	}
	want, _ := new(big.Int).SetString("80500000000000000000", 10)
	if price.Cmp(want) != 0 {
		t.Errorf("price = %s, want %s", price, want)
	}
}

func TestFeed_FailureModes(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		"bad body": func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("not json"))
		},
		"non-positive": func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"price": "0"}`))
		},
	}
	for name, handler := range cases {
		srv := httptest.NewServer(handler)
		f := NewFeed(srv.URL)
		if _, ok := f.FetchPrice(context.Background()); ok {
			t.Errorf("%s: expected failed fetch", name)
		}
		srv.Close()
	}

	// Unreachable endpoint.
	f := NewFeed("http://127.0.0.1:1")
	if _, ok := f.FetchPrice(context.Background()); ok {
		t.Error("unreachable feed reported ok")
	}
}
