package vendorapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func paginateClient(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()

	srv := httptest.NewServer(handler)
	c, _ := newTestClient(t, srv.URL, nil, nil)

	return c, srv.Close
}

func TestPaginateNumericFallback(t *testing.T) {
	c, closeSrv := paginateClient(t, func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		w.Header().Set("Content-Type", "application/json")

		switch page {
		case "1":
			fmt.Fprint(w, `{"data":[{"id":"a"},{"id":"b"}]}`)
		case "2":
			fmt.Fprint(w, `{"data":[{"id":"c"}]}`)
		default:
			fmt.Fprint(w, `{"data":[]}`)
		}
	})
	defer closeSrv()

	var items int

	err := c.Paginate(context.Background(), "/api/2.0/products", nil, func(p Page) error {
		items += len(p.Items)
		return nil
	})

	if err != nil {
		t.Fatalf("paginate: %v", err)
	}

	if items != 3 {
		t.Fatalf("expected 3 items across pages, got %d", items)
	}
}

func TestPaginatePrefersOpaqueCursor(t *testing.T) {
	var afters []string

	c, closeSrv := paginateClient(t, func(w http.ResponseWriter, r *http.Request) {
		afters = append(afters, r.URL.Query().Get("after"))
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Query().Get("after") {
		case "":
			fmt.Fprint(w, `{"data":[{"id":"a"}],"meta":{"next":"cur-2"}}`)
		case "cur-2":
			fmt.Fprint(w, `{"data":[{"id":"b"}],"meta":{"next":"cur-3"}}`)
		default:
			// Final page: items but no cursor, so iteration ends here.
			fmt.Fprint(w, `{"data":[{"id":"c"}]}`)
		}
	})
	defer closeSrv()

	var pages int

	err := c.Paginate(context.Background(), "/api/2.0/products", nil, func(p Page) error {
		pages++
		return nil
	})

	if err != nil {
		t.Fatalf("paginate: %v", err)
	}

	if pages != 3 {
		t.Fatalf("expected 3 pages, got %d", pages)
	}

	if len(afters) != 3 || afters[1] != "cur-2" || afters[2] != "cur-3" {
		t.Fatalf("cursor chain wrong: %v", afters)
	}
}

func TestPaginateResumeOmitsNumericPage(t *testing.T) {
	type request struct {
		after string
		page  string
	}

	var requests []request

	c, closeSrv := paginateClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, request{
			after: r.URL.Query().Get("after"),
			page:  r.URL.Query().Get("page"),
		})
		w.Header().Set("Content-Type", "application/json")

		if r.URL.Query().Get("after") == "cur-1" {
			fmt.Fprint(w, `{"data":[{"id":"a"}],"meta":{"next":"cur-2"}}`)
			return
		}
		fmt.Fprint(w, `{"data":[{"id":"b"}]}`)
	})
	defer closeSrv()

	query := url.Values{}
	query.Set("after", "cur-1")
	query.Set("page_size", "50")

	err := c.Paginate(context.Background(), "/api/2.0/products", query, func(Page) error {
		return nil
	})

	if err != nil {
		t.Fatalf("paginate: %v", err)
	}

	if len(requests) != 2 || requests[0].after != "cur-1" || requests[1].after != "cur-2" {
		t.Fatalf("resume did not follow the saved cursor: %+v", requests)
	}

	for i, req := range requests {
		if req.page != "" {
			t.Fatalf("request %d carried page=%q alongside a cursor", i, req.page)
		}
	}
}

func TestPaginateStopsOnEmptyPage(t *testing.T) {
	var hits int

	c, closeSrv := paginateClient(t, func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[]}`)
	})
	defer closeSrv()

	err := c.Paginate(context.Background(), "/api/2.0/products", nil, func(Page) error {
		t.Fatal("callback must not run for an empty page")
		return nil
	})

	if err != nil {
		t.Fatalf("paginate: %v", err)
	}

	if hits != 1 {
		t.Fatalf("expected a single request, got %d", hits)
	}
}

func TestPaginateCallbackErrorStops(t *testing.T) {
	c, closeSrv := paginateClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[{"id":"a"}],"meta":{"next":"more"}}`)
	})
	defer closeSrv()

	wantErr := fmt.Errorf("downstream full")

	err := c.Paginate(context.Background(), "/api/2.0/products", nil, func(Page) error {
		return wantErr
	})

	if err == nil || !strings.Contains(err.Error(), "downstream full") {
		t.Fatalf("callback error not propagated: %v", err)
	}
}

func TestExtractNextCursorShapes(t *testing.T) {
	cases := []struct {
		name string
		body any
		want string
	}{
		{"links.next", map[string]any{"links": map[string]any{"next": "l-1"}}, "l-1"},
		{"meta.next", map[string]any{"meta": map[string]any{"next": "m-1"}}, "m-1"},
		{"page_info string", map[string]any{"page_info": "p-1"}, "p-1"},
		{"page_info object", map[string]any{"page_info": map[string]any{"next": "p-2"}}, "p-2"},
		{"none", map[string]any{"data": []any{}}, ""},
		{"not a map", []any{}, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := extractNextCursor(tc.body); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}
