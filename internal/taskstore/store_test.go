package taskstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/animus/internal/events"
	"github.com/t77yq/animus/internal/model"
	"github.com/t77yq/animus/internal/testutil"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ids(kind events.Kind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for _, ev := range r.events {
		if ev.Kind == kind {
			ids = append(ids, ev.Task.ID)
		}
	}
	return ids
}

func (r *recorder) last(kind events.Kind) (events.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return events.Event{}, false
}

func newTestStore(t *testing.T) (*Store, *recorder) {
	t.Helper()

	store, err := New(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)

	rec := &recorder{}
	store.Subscribe(rec.handle)
	return store, rec
}

func demoTask() *model.Task {
	return &model.Task{
		Context:   "https://animus.dev/schema",
		Type:      "Shipping#Track",
		ID:        "demo",
		Requester: "@zamplebox",
		RequestFormat: map[string]string{
			"trackingNumber": "Shipment#TrackingNumber",
		},
		Data: json.RawMessage(`{"trackingNumber":"1ZA275A00286321254"}`),
	}
}

func childTask(parent, key string) *model.Task {
	return &model.Task{
		ID:       model.ChildID(parent, key),
		ParentID: parent,
		Target:   "@animus/" + key,
	}
}

func TestStore_Add(t *testing.T) {
	ctx := context.Background()
	store, rec := newTestStore(t)

	t.Run("Missing ID", func(t *testing.T) {
		err := store.Add(ctx, &model.Task{Type: "Shipping#Track"})
		assert.ErrorIs(t, err, model.ErrMissingTaskID)
		assert.Empty(t, rec.ids(events.KindAdded))
	})

	t.Run("Root Task", func(t *testing.T) {
		task := demoTask()
		require.NoError(t, store.Add(ctx, task))

		assert.FileExists(t, filepath.Join(store.Root(), "demo.json"))
		assert.Equal(t, []string{"demo"}, rec.ids(events.KindAdded))

		loaded, err := store.Get(ctx, "demo")
		require.NoError(t, err)
		assert.Equal(t, task, loaded)
	})

	t.Run("Child Task Creates Parent Directory", func(t *testing.T) {
		require.NoError(t, store.Add(ctx, childTask("demo", "encodedKey")))

		assert.DirExists(t, filepath.Join(store.Root(), "demo"))
		assert.FileExists(t, filepath.Join(store.Root(), "demo", "encodedKey.json"))
	})

	t.Run("Get Missing", func(t *testing.T) {
		_, err := store.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})
}

func TestStore_AddExistingID(t *testing.T) {
	ctx := context.Background()
	store, rec := newTestStore(t)

	task := demoTask()
	require.NoError(t, store.Add(ctx, task))

	t.Run("Pending Task", func(t *testing.T) {
		err := store.Add(ctx, demoTask())
		assert.ErrorIs(t, err, ErrTaskExists)
		assert.Equal(t, []string{"demo"}, rec.ids(events.KindAdded))
	})

	t.Run("Completed Task", func(t *testing.T) {
		require.NoError(t, store.Finished(ctx, task, "first"))

		again := demoTask()
		again.Data = json.RawMessage(`{"trackingNumber":"other"}`)
		assert.ErrorIs(t, store.Add(ctx, again), ErrTaskExists)
		assert.Equal(t, []string{"demo"}, rec.ids(events.KindAdded))

		loaded, err := store.Get(ctx, "demo")
		require.NoError(t, err)
		assert.Equal(t, task.Data, loaded.Data)

		raw, err := store.Result(ctx, "demo")
		require.NoError(t, err)
		assert.JSONEq(t, `"first"`, string(raw))
	})

	t.Run("No Temp Files Left Behind", func(t *testing.T) {
		entries, err := os.ReadDir(store.Root())
		require.NoError(t, err)
		for _, entry := range entries {
			assert.NotContains(t, entry.Name(), ".tmp")
		}
	})
}

func TestStore_NestedParentUnblock(t *testing.T) {
	ctx := context.Background()
	store, rec := newTestStore(t)

	require.NoError(t, store.Add(ctx, &model.Task{ID: "a"}))
	middle := childTask("a", "b")
	require.NoError(t, store.Add(ctx, middle))

	err := store.Add(ctx, &model.Task{ID: "a/b/c", ParentID: "a"})
	require.ErrorIs(t, err, model.ErrInvalidTaskID)
	assert.NoFileExists(t, filepath.Join(store.Root(), "a", "b", "c.json"))

	leaf := childTask("a/b", "c")
	require.NoError(t, store.Add(ctx, leaf))
	require.NoError(t, store.Finished(ctx, leaf, "c"))
	assert.Equal(t, []string{"a/b"}, rec.ids(events.KindUnblocked), "only the direct parent is unblocked")

	require.NoError(t, store.Finished(ctx, middle, "b"))
	assert.Equal(t, []string{"a/b", "a"}, rec.ids(events.KindUnblocked))
}

func TestStore_SettledTasksLeaveAnnouncedSet(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	done := demoTask()
	broken := childTask("demo", "lookup")
	require.NoError(t, store.Add(ctx, done))
	require.NoError(t, store.Add(ctx, broken))
	assert.Len(t, store.announced, 2)

	require.NoError(t, store.Failed(ctx, broken, &model.TaskError{Message: "lookup failed"}))
	assert.Len(t, store.announced, 1)

	require.NoError(t, store.Finished(ctx, done, "ok"))
	assert.Empty(t, store.announced)
}

func TestStore_GetState(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	state, err := store.GetState(ctx, "demo")
	require.NoError(t, err)
	assert.Empty(t, state)

	require.NoError(t, store.Add(ctx, demoTask()))
	done := childTask("demo", "encodedKey")
	broken := childTask("demo", "lookup")
	waiting := childTask("demo", "response")
	for _, task := range []*model.Task{done, broken, waiting} {
		require.NoError(t, store.Add(ctx, task))
	}

	require.NoError(t, store.Finished(ctx, done, "S2V5Og=="))
	require.NoError(t, store.Failed(ctx, broken, &model.TaskError{Message: "lookup failed"}))

	state, err = store.GetState(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, state, 3)
	assert.JSONEq(t, `"S2V5Og=="`, string(state["encodedKey"].Value))
	require.NotNil(t, state["lookup"])
	assert.Equal(t, "lookup failed", state["lookup"].Error.Message)
	assert.Nil(t, state["response"])
	assert.Equal(t, []string{"response"}, state.Pending())
}

func TestStore_ParentUnblock(t *testing.T) {
	ctx := context.Background()
	store, rec := newTestStore(t)

	require.NoError(t, store.Add(ctx, demoTask()))
	first := childTask("demo", "encodedKey")
	second := childTask("demo", "response")
	require.NoError(t, store.Add(ctx, first))
	require.NoError(t, store.Add(ctx, second))

	require.NoError(t, store.Finished(ctx, first, "abc"))
	assert.Empty(t, rec.ids(events.KindUnblocked), "parent must stay blocked while a child is pending")

	status, err := store.Status(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusBlocked, status)

	require.NoError(t, store.Failed(ctx, second, &model.TaskError{Message: "timeout", Tool: "@animus/http-post"}))
	assert.Equal(t, []string{"demo"}, rec.ids(events.KindUnblocked))

	ev, ok := rec.last(events.KindUnblocked)
	require.True(t, ok)
	assert.False(t, ev.State.Blocked())
	assert.True(t, ev.State["response"].Failed())
	assert.JSONEq(t, `"abc"`, string(ev.State["encodedKey"].Value))

	status, err = store.Status(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, status)
}

func TestStore_ResultRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, rec := newTestStore(t)

	task := demoTask()
	require.NoError(t, store.Add(ctx, task))

	result := map[string]any{
		"status":  "in_transit",
		"carrier": "USPS",
		"legs":    []any{1.0, 2.0},
	}
	require.NoError(t, store.Finished(ctx, task, result))
	assert.Empty(t, rec.ids(events.KindUnblocked), "root tasks have no parent to unblock")

	loaded, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task, loaded)

	raw, err := store.Result(ctx, task.ID)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, result, got)

	status, err := store.Status(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusComplete, status)

	_, err = store.Error(ctx, task.ID)
	assert.ErrorIs(t, err, ErrNoArtifact)
}

func TestStore_NullResult(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.Add(ctx, demoTask()))
	child := childTask("demo", "noop")
	require.NoError(t, store.Add(ctx, child))
	require.NoError(t, store.Finished(ctx, child, nil))

	state, err := store.GetState(ctx, "demo")
	require.NoError(t, err)
	require.NotNil(t, state["noop"], "a null result still settles the key")
	assert.Equal(t, "null", string(state["noop"].Value))
}

func TestStore_ForeignErrorPayload(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.Add(ctx, demoTask()))
	require.NoError(t, os.WriteFile(filepath.Join(store.Root(), "demo.error.json"), []byte(`"disk full"`), 0o644))

	taskErr, err := store.Error(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, `"disk full"`, taskErr.Message)
}

func TestStore_Scan(t *testing.T) {
	ctx := context.Background()

	t.Run("Completed Root Task", func(t *testing.T) {
		store, rec := newTestStore(t)
		testutil.WriteJSON(t, filepath.Join(store.Root(), "demo.json"), demoTask())
		testutil.WriteJSON(t, filepath.Join(store.Root(), "demo.result.json"), map[string]string{"status": "delivered"})

		found, err := store.Scan(ctx)
		require.NoError(t, err)
		assert.False(t, found)
		assert.Empty(t, rec.ids(events.KindUnblocked))
	})

	t.Run("Pending Child", func(t *testing.T) {
		store, rec := newTestStore(t)
		testutil.WriteJSON(t, filepath.Join(store.Root(), "demo.json"), demoTask())
		testutil.WriteJSON(t, filepath.Join(store.Root(), "demo", "encodedKey.json"), childTask("demo", "encodedKey"))

		found, err := store.Scan(ctx)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []string{"demo/encodedKey"}, rec.ids(events.KindUnblocked))
	})

	t.Run("Pending Grandchild Keeps Ancestors Blocked", func(t *testing.T) {
		store, rec := newTestStore(t)
		testutil.WriteJSON(t, filepath.Join(store.Root(), "a.json"), &model.Task{ID: "a"})
		testutil.WriteJSON(t, filepath.Join(store.Root(), "a", "b.json"), childTask("a", "b"))
		testutil.WriteJSON(t, filepath.Join(store.Root(), "a", "b", "c.json"), childTask("a/b", "c"))

		found, err := store.Scan(ctx)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []string{"a/b/c"}, rec.ids(events.KindUnblocked))
	})

	t.Run("Settled Children Resume Parent", func(t *testing.T) {
		store, rec := newTestStore(t)
		testutil.WriteJSON(t, filepath.Join(store.Root(), "demo.json"), demoTask())
		testutil.WriteJSON(t, filepath.Join(store.Root(), "demo", "encodedKey.json"), childTask("demo", "encodedKey"))
		testutil.WriteJSON(t, filepath.Join(store.Root(), "demo", "encodedKey.result.json"), "S2V5Og==")

		found, err := store.Scan(ctx)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []string{"demo"}, rec.ids(events.KindUnblocked))

		ev, ok := rec.last(events.KindUnblocked)
		require.True(t, ok)
		assert.JSONEq(t, `"S2V5Og=="`, string(ev.State["encodedKey"].Value))
	})

	t.Run("Missing Directory", func(t *testing.T) {
		store, rec := newTestStore(t)

		found, err := store.ScanDir(ctx, filepath.Join(store.Root(), "absent"))
		require.NoError(t, err)
		assert.False(t, found)
		assert.Empty(t, rec.ids(events.KindUnblocked))
	})

	t.Run("Unreadable Document", func(t *testing.T) {
		store, rec := newTestStore(t)
		require.NoError(t, os.WriteFile(filepath.Join(store.Root(), "broken.json"), []byte("{"), 0o644))
		testutil.WriteJSON(t, filepath.Join(store.Root(), "demo.json"), demoTask())

		found, err := store.Scan(ctx)
		assert.Error(t, err)
		assert.True(t, found)
		assert.Equal(t, []string{"demo"}, rec.ids(events.KindUnblocked))
	})
}

func TestStore_Watch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, rec := newTestStore(t)
	require.NoError(t, store.Watch(ctx))

	t.Run("External Task", func(t *testing.T) {
		testutil.WriteJSON(t, filepath.Join(store.Root(), "external.json"), &model.Task{ID: "external", Type: "Shipping#Track"})

		require.Eventually(t, func() bool {
			return len(rec.ids(events.KindAdded)) == 1
		}, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, []string{"external"}, rec.ids(events.KindAdded))
	})

	t.Run("External Nested Task", func(t *testing.T) {
		testutil.WriteJSON(t, filepath.Join(store.Root(), "external", "lookup.json"), childTask("external", "lookup"))

		require.Eventually(t, func() bool {
			return len(rec.ids(events.KindAdded)) == 2
		}, 5*time.Second, 10*time.Millisecond)
		assert.Contains(t, rec.ids(events.KindAdded), "external/lookup")
	})

	t.Run("Own Writes Are Not Reported Twice", func(t *testing.T) {
		require.NoError(t, store.Add(ctx, &model.Task{ID: "own"}))
		require.NoError(t, store.Add(ctx, childTask("own", "child")))

		time.Sleep(300 * time.Millisecond)
		added := rec.ids(events.KindAdded)
		assert.Len(t, added, 4)
		assert.Equal(t, 1, count(added, "own"))
		assert.Equal(t, 1, count(added, "own/child"))
	})

	t.Run("Artifacts Are Ignored", func(t *testing.T) {
		require.NoError(t, store.Finished(ctx, &model.Task{ID: "own"}, "done"))

		time.Sleep(300 * time.Millisecond)
		assert.Len(t, rec.ids(events.KindAdded), 4)
	})

	t.Run("Settled Documents Are Not Reported Again", func(t *testing.T) {
		testutil.WriteJSON(t, filepath.Join(store.Root(), "own.json"), &model.Task{ID: "own"})

		time.Sleep(300 * time.Millisecond)
		assert.Len(t, rec.ids(events.KindAdded), 4)
	})
}

func count(ids []string, want string) int {
	n := 0
	for _, id := range ids {
		if id == want {
			n++
		}
	}
	return n
}
