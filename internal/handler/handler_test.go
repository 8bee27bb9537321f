package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/animus/internal/model"
	"github.com/t77yq/animus/internal/tool"
)

func newContext(t *testing.T, data any, state model.State, tools map[string]tool.Invoker) *tool.Context {
	t.Helper()

	raw, err := json.Marshal(data)
	require.NoError(t, err)
	task := &model.Task{ID: "demo", Requester: "@zamplebox", Data: raw}
	return tool.NewContext(task, state, tools, zap.NewNop())
}

func TestEncodeBase64(t *testing.T) {
	out, err := EncodeBase64{}.Execute(context.Background(), newContext(t, "JleR1ZYkvqHi3cZk5IDqAQ:", nil, nil))
	require.NoError(t, err)
	assert.Equal(t, "SmxlUjFaWWt2cUhpM2NaazVJRHFBUTo=", out)

	_, err = EncodeBase64{}.Execute(context.Background(), newContext(t, 42, nil, nil))
	assert.Error(t, err)
}

func TestHTTPPost(t *testing.T) {
	var gotBody, gotAuth, gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotAuth = r.Header.Get("Authorization")
		gotMethod = r.Method

		switch r.URL.Path {
		case "/fail":
			w.WriteHeader(http.StatusUnauthorized)
		case "/text":
			_, _ = w.Write([]byte("not json"))
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"in_transit","carrier":"USPS"}`))
		}
	}))
	defer server.Close()

	post := NewHTTPPost(server.Client(), zaptest.NewLogger(t))
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		out, err := post.Execute(ctx, newContext(t, HTTPPostRequest{
			URL:     server.URL + "/track",
			Headers: map[string]string{"Authorization": "Basic abc"},
			Body:    "tracker%5Btracking_code%5D=1Z",
		}, nil, nil))
		require.NoError(t, err)

		raw, ok := out.(json.RawMessage)
		require.True(t, ok)
		assert.JSONEq(t, `{"status":"in_transit","carrier":"USPS"}`, string(raw))
		assert.Equal(t, http.MethodPost, gotMethod)
		assert.Equal(t, "Basic abc", gotAuth)
		assert.Equal(t, "tracker%5Btracking_code%5D=1Z", gotBody)
	})

	t.Run("Error Status", func(t *testing.T) {
		_, err := post.Execute(ctx, newContext(t, HTTPPostRequest{URL: server.URL + "/fail"}, nil, nil))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "401")
	})

	t.Run("Non JSON Response", func(t *testing.T) {
		_, err := post.Execute(ctx, newContext(t, HTTPPostRequest{URL: server.URL + "/text"}, nil, nil))
		assert.Error(t, err)
	})

	t.Run("Missing URL", func(t *testing.T) {
		_, err := post.Execute(ctx, newContext(t, HTTPPostRequest{}, nil, nil))
		assert.Error(t, err)
	})
}

func TestTrack(t *testing.T) {
	ctx := context.Background()
	track, err := NewTrackFactory("https://tracking.test/api")(zap.NewNop())
	require.NoError(t, err)

	tools := map[string]tool.Invoker{
		"encodeBase64": tool.Deferred(NameEncodeBase64, "Encoding#Base64"),
		"httpPost":     tool.Deferred(NameHTTPPost, "Network#HTTPPost"),
	}
	account := model.ValueEntry(json.RawMessage(`{"key":"JleR1ZYkvqHi3cZk5IDqAQ"}`))
	request := TrackRequest{TrackingNumber: "1ZA275A00286321254"}

	t.Run("Requests Encoded Key First", func(t *testing.T) {
		_, err := track.Execute(ctx, newContext(t, request, model.State{"account": account}, tools))

		s, ok := tool.AsSuspension(err)
		require.True(t, ok)
		assert.Equal(t, "demo/encodedKey", s.Child.ID)
		assert.Equal(t, NameEncodeBase64, s.Child.Target)
		assert.JSONEq(t, `"JleR1ZYkvqHi3cZk5IDqAQ:"`, string(s.Child.Data))
	})

	t.Run("Then Requests Response", func(t *testing.T) {
		state := model.State{"account": account}
		require.NoError(t, state.Set("encodedKey", "SmxlUjFaWWt2cUhpM2NaazVJRHFBUTo="))

		_, err := track.Execute(ctx, newContext(t, request, state, tools))

		s, ok := tool.AsSuspension(err)
		require.True(t, ok)
		assert.Equal(t, "demo/response", s.Child.ID)

		var post HTTPPostRequest
		require.NoError(t, json.Unmarshal(s.Child.Data, &post))
		assert.Equal(t, "https://tracking.test/api", post.URL)
		assert.Equal(t, "Basic SmxlUjFaWWt2cUhpM2NaazVJRHFBUTo=", post.Headers["Authorization"])
		assert.Equal(t, "tracker%5Btracking_code%5D=1ZA275A00286321254", post.Body)
	})

	t.Run("Returns Response Once Resolved", func(t *testing.T) {
		state := model.State{"account": account}
		require.NoError(t, state.Set("encodedKey", "SmxlUjFaWWt2cUhpM2NaazVJRHFBUTo="))
		state["response"] = model.ValueEntry(json.RawMessage(`{"status":"in_transit"}`))

		out, err := track.Execute(ctx, newContext(t, request, state, tools))
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"in_transit"}`, string(out.(json.RawMessage)))
	})

	t.Run("Missing Account", func(t *testing.T) {
		_, err := track.Execute(ctx, newContext(t, request, nil, tools))
		require.Error(t, err)
		assert.ErrorIs(t, err, model.ErrStateKeyPending)
	})
}

func TestRegister(t *testing.T) {
	loader := tool.NewLoader(zap.NewNop())
	Register(loader, nil)

	for _, meta := range Descriptors() {
		require.NoError(t, model.ValidateToolMetadata(meta))
		_, err := loader.Get(meta.Name)
		assert.NoError(t, err, meta.Name)
	}
}
