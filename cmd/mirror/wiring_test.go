package main

import (
	"context"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"channel-mirror/internal/feed"
	"channel-mirror/internal/httpapi"
	"channel-mirror/internal/store"
	"channel-mirror/pkg/mirror"
)

func TestListRouteOverStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recordStore, err := store.Open(ctx, filepath.Join(t.TempDir(), "mirror.db"), "news", store.WithLogger(logger))
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	t.Cleanup(func() { _ = recordStore.Close() })

	raw, err := mirror.Content{Text: "hello", CreateDate: 1_700_000_000}.Encode()
	if err != nil {
		t.Fatalf("encode content failed: %v", err)
	}
	if err := recordStore.Insert(ctx, 1, raw); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	pager, err := feed.New(recordStore, feed.DefaultPageSize)
	if err != nil {
		t.Fatalf("new pager failed: %v", err)
	}
	server, err := httpapi.New(pager, recordStore, httpapi.Config{Addr: "127.0.0.1:0", Logger: logger})
	if err != nil {
		t.Fatalf("new http api failed: %v", err)
	}

	tests := []struct {
		name       string
		page       string
		wantStatus int
	}{
		{name: "first page", page: "1", wantStatus: http.StatusOK},
		{name: "past last page", page: "2", wantStatus: http.StatusBadRequest},
		{name: "largest int page", page: strconv.Itoa(math.MaxInt), wantStatus: http.StatusBadRequest},
		{name: "beyond int range", page: "99999999999999999999999", wantStatus: http.StatusBadRequest},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			recorder := httptest.NewRecorder()
			request := httptest.NewRequest(http.MethodGet, "/api/v1/list?page="+testCase.page, nil)
			server.Handler().ServeHTTP(recorder, request)

			if recorder.Code != testCase.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", recorder.Code, testCase.wantStatus, recorder.Body.String())
			}
		})
	}
}
