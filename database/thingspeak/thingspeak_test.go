package thingspeak

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Daniel865692/energy-management-platform/database"
	"github.com/Daniel865692/energy-management-platform/database/databasetest"
	"github.com/Daniel865692/energy-management-platform/database/memory"
	"github.com/Daniel865692/energy-management-platform/models"
)

// fakeChannel serves one channel and one TalkBack. Feed queries honour start,
// end and results the way ThingSpeak does: the most recent entries of the
// window, oldest first.
type fakeChannel struct {
	mu       sync.Mutex
	feeds    []map[string]interface{}
	commands []string
	writeKey string
	queries  int
}

func (f *fakeChannel) window(q url.Values) []map[string]interface{} {
	bound := func(name string) (time.Time, bool) {
		t, err := time.Parse("2006-01-02 15:04:05", q.Get(name))
		return t, err == nil
	}
	start, hasStart := bound("start")
	end, hasEnd := bound("end")

	var out []map[string]interface{}
	for _, entry := range f.feeds {
		created, _ := time.Parse(time.RFC3339, entry["created_at"].(string))
		if hasStart && created.Before(start) || hasEnd && created.After(end) {
			continue
		}
		out = append(out, entry)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, _ := time.Parse(time.RFC3339, out[i]["created_at"].(string))
		b, _ := time.Parse(time.RFC3339, out[j]["created_at"].(string))
		return a.Before(b)
	})

	if n, err := strconv.Atoi(q.Get("results")); err == nil && len(out) > n {
		out = out[len(out)-n:]
	}
	if out == nil {
		out = []map[string]interface{}{}
	}
	return out
}

func (f *fakeChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/update.json":
		r.ParseForm()
		if r.PostForm.Get("api_key") != f.writeKey {
			json.NewEncoder(w).Encode(0)
			return
		}
		entry := map[string]interface{}{
			"entry_id":   len(f.feeds) + 1,
			"created_at": r.PostForm.Get("created_at"),
		}
		for _, k := range []string{"field1", "field2", "field3", "field4", "field5", "field6", "field7", "field8"} {
			entry[k] = r.PostForm.Get(k)
		}
		f.feeds = append(f.feeds, entry)
		json.NewEncoder(w).Encode(entry)

	case r.Method == http.MethodGet && r.URL.Path == "/channels/42/feeds.json":
		f.queries++
		json.NewEncoder(w).Encode(map[string]interface{}{
			"channel": map[string]interface{}{"id": 42},
			"feeds":   f.window(r.URL.Query()),
		})

	case r.Method == http.MethodGet && r.URL.Path == "/channels/42/feeds/last.json":
		if len(f.feeds) == 0 {
			w.Write([]byte("-1"))
			return
		}
		json.NewEncoder(w).Encode(f.feeds[len(f.feeds)-1])

	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/talkbacks/7/commands"):
		r.ParseForm()
		f.commands = append(f.commands, r.PostForm.Get("command_string"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":             len(f.commands),
			"command_string": r.PostForm.Get("command_string"),
		})

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeChannel) sentCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func newStore(t *testing.T, fake *fakeChannel) *Store {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store := New(Config{
		BaseURL:        srv.URL,
		ChannelID:      "42",
		WriteAPIKey:    "write",
		ReadAPIKey:     "read",
		TalkBackID:     "7",
		TalkBackAPIKey: "tb",
	}, memory.New(memory.Options{}))
	require.NoError(t, store.Connect(context.Background()))
	return store
}

func TestStore_Conformance(t *testing.T) {
	databasetest.Run(t, func(t *testing.T) database.Adapter {
		return newStore(t, &fakeChannel{writeKey: "write"})
	})
}

func TestStore_RejectedUpdate(t *testing.T) {
	store := newStore(t, &fakeChannel{writeKey: "other"})
	defer store.Disconnect(context.Background())

	_, err := store.StoreReading(context.Background(), databasetest.Reading("dev", time.Now(), 1))
	assert.Error(t, err)
}

func TestStore_TalkBackCommandString(t *testing.T) {
	fake := &fakeChannel{writeKey: "write"}
	store := newStore(t, fake)
	defer store.Disconnect(context.Background())

	value := 75.0
	id, err := store.SendDeviceCommand(context.Background(), &models.DeviceCommand{
		DeviceID: "ESP32_001", Command: models.CommandOn, Value: &value, Timestamp: time.Now(), Source: models.CommandSourceOperator,
	})
	require.NoError(t, err)
	assert.Equal(t, "1", id)
	assert.Equal(t, []string{"ESP32_001:ON:75"}, fake.sentCommands())
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "dev:TOGGLE", CommandString(&models.DeviceCommand{DeviceID: "dev", Command: models.CommandToggle}))
}

func TestStore_ConnectRequiresChannel(t *testing.T) {
	err := New(Config{BaseURL: "http://localhost:1"}, memory.New(memory.Options{})).Connect(context.Background())
	var ce *database.ConnectionError
	assert.ErrorAs(t, err, &ce)
}

func TestFeed_TimestampFallsBackToCreatedAt(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	r := feed{CreatedAt: created, EntryID: 9, Field3: "12.5", Field6: "dev"}.reading()

	assert.Equal(t, created, r.Timestamp)
	assert.Equal(t, "9", r.ID)
	assert.InDelta(t, 12.5, r.Power, 1e-9)
}

func TestStore_ExportPagesBackThroughBusyChannel(t *testing.T) {
	fake := &fakeChannel{writeKey: "write"}
	store := newStore(t, fake)
	store.pageSize = 2
	defer store.Disconnect(context.Background())
	ctx := context.Background()

	base := time.Now().UTC().Add(-10 * time.Hour).Truncate(time.Second)
	for i := 0; i < 5; i++ {
		_, err := store.StoreReading(ctx, databasetest.Reading("dev", base.Add(time.Duration(i)*time.Minute), float64(i+1)))
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := store.StoreReading(ctx, databasetest.Reading("dev", base.Add(5*time.Hour+time.Duration(i)*time.Minute), 100))
		require.NoError(t, err)
	}

	got, err := store.ExportEnergyData(ctx, "dev", base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, r := range got {
		assert.InDelta(t, float64(i+1), r.Power, 1e-9)
	}
	assert.Greater(t, fake.queries, 1)
}

func TestStore_ExportTruncationIsAnError(t *testing.T) {
	store := newStore(t, &fakeChannel{writeKey: "write"})
	store.pageSize = 2
	store.maxPages = 2
	defer store.Disconnect(context.Background())
	ctx := context.Background()

	base := time.Now().UTC().Add(-3 * time.Hour).Truncate(time.Second)
	for i := 0; i < 6; i++ {
		_, err := store.StoreReading(ctx, databasetest.Reading("dev", base.Add(time.Duration(i)*time.Minute), 1))
		require.NoError(t, err)
	}

	_, err := store.ExportEnergyData(ctx, "dev", base, base.Add(time.Hour))
	assert.ErrorIs(t, err, ErrTruncated)

	var se *database.StorageError
	assert.ErrorAs(t, err, &se)
}

func TestStore_LatestOnSharedChannel(t *testing.T) {
	store := newStore(t, &fakeChannel{writeKey: "write"})
	store.pageSize = 2
	defer store.Disconnect(context.Background())
	ctx := context.Background()

	ts := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	_, err := store.StoreReading(ctx, databasetest.Reading("a", ts, 1))
	require.NoError(t, err)
	_, err = store.StoreReading(ctx, databasetest.Reading("a", ts.Add(time.Second), 2))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = store.StoreReading(ctx, databasetest.Reading("b", ts.Add(time.Duration(i+2)*time.Second), 9))
		require.NoError(t, err)
	}

	latest, err := store.GetLatestReading(ctx, "a")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, latest.Power, 1e-9)

	_, err = store.GetLatestReading(ctx, "nobody")
	assert.True(t, database.IsNotFound(err))
}
