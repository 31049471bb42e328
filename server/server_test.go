package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/cortex/core"
	"github.com/becomeliminal/cortex/engine"
	"github.com/becomeliminal/cortex/server"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	eng, err := engine.Open(t.TempDir(), engine.WithoutLinker())
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	ts := httptest.NewServer(server.New(eng, nil))
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func createNode(t *testing.T, ts *httptest.Server, in engine.NodeInput) string {
	t.Helper()
	resp := postJSON(t, ts.URL+"/v1/nodes", in)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &out)
	require.NotEmpty(t, out.ID)
	return out.ID
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateAndGetNode(t *testing.T) {
	ts := newTestServer(t)

	id := createNode(t, ts, engine.NodeInput{
		Kind:        core.KindFact,
		Title:       "rate limit is 1000 per minute",
		Tags:        []string{"api"},
		SourceAgent: "agent-a",
	})

	resp, err := http.Get(ts.URL + "/v1/nodes/" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var node map[string]any
	decodeBody(t, resp, &node)
	assert.Equal(t, id, node["id"])
	assert.Equal(t, "rate limit is 1000 per minute", node["title"])
	// body defaults to title
	assert.Equal(t, node["title"], node["body"])
	// embeddings never leave the server
	_, hasEmbedding := node["embedding"]
	assert.False(t, hasEmbedding)
}

func TestCreateNodeValidationMapsTo400(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/nodes", engine.NodeInput{Kind: core.KindFact})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var out struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, string(core.CodeInvalidArgument), out.Error.Code)
}

func TestMalformedBodyMapsTo400(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/v1/nodes", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetUnknownNodeMapsTo404(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/v1/nodes/" + core.NewID())
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSearchEndpoint(t *testing.T) {
	ts := newTestServer(t)

	want := createNode(t, ts, engine.NodeInput{
		Kind: core.KindFact, Title: "rate limit is 1000 requests per minute",
	})
	createNode(t, ts, engine.NodeInput{
		Kind: core.KindEvent, Title: "deploy completed successfully",
	})

	resp := postJSON(t, ts.URL+"/v1/search", map[string]any{
		"query": "what is the rate limit", "limit": 5,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Results []struct {
			Node struct {
				ID string `json:"id"`
			} `json:"node"`
			Score float32 `json:"score"`
		} `json:"results"`
	}
	decodeBody(t, resp, &out)
	require.NotEmpty(t, out.Results)
	assert.Equal(t, want, out.Results[0].Node.ID)
	assert.Greater(t, out.Results[0].Score, float32(0))
}

func TestHybridSearchEndpoint(t *testing.T) {
	ts := newTestServer(t)

	anchor := createNode(t, ts, engine.NodeInput{
		Kind: core.KindFact, Title: "incident postmortem notes",
	})

	resp := postJSON(t, ts.URL+"/v1/search/hybrid", map[string]any{
		"query": "postmortem", "anchor_ids": []string{anchor}, "limit": 5,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Results []struct {
			Node struct {
				ID string `json:"id"`
			} `json:"node"`
			GraphScore    float32 `json:"graph_score"`
			CombinedScore float32 `json:"combined_score"`
		} `json:"results"`
	}
	decodeBody(t, resp, &out)
	require.NotEmpty(t, out.Results)
	assert.Equal(t, anchor, out.Results[0].Node.ID)
	assert.Equal(t, float32(1), out.Results[0].GraphScore)
}

func TestEdgeAndTraverseEndpoints(t *testing.T) {
	ts := newTestServer(t)

	a := createNode(t, ts, engine.NodeInput{Kind: core.KindFact, Title: "a"})
	b := createNode(t, ts, engine.NodeInput{Kind: core.KindFact, Title: "b"})

	edgeResp := postJSON(t, ts.URL+"/v1/edges", map[string]any{
		"from": a, "to": b, "relation": core.RelationLedTo,
	})
	require.Equal(t, http.StatusCreated, edgeResp.StatusCode)
	edgeResp.Body.Close()

	// Edge to a missing endpoint maps to 404.
	missing := postJSON(t, ts.URL+"/v1/edges", map[string]any{
		"from": a, "to": core.NewID(), "relation": core.RelationLedTo,
	})
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
	missing.Body.Close()

	resp := postJSON(t, ts.URL+"/v1/traverse", map[string]any{
		"start_ids": []string{a}, "max_depth": 1,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Nodes  []map[string]any `json:"nodes"`
		Depths map[string]int   `json:"depths"`
		Edges  []map[string]any `json:"edges"`
	}
	decodeBody(t, resp, &out)
	assert.Len(t, out.Nodes, 2)
	assert.Equal(t, 0, out.Depths[a])
	assert.Equal(t, 1, out.Depths[b])
	require.Len(t, out.Edges, 1)
	assert.Equal(t, core.RelationLedTo, out.Edges[0]["relation"])
}

func TestEventsWebsocket(t *testing.T) {
	ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the handler a moment to register its subscription after the
	// upgrade handshake completes.
	time.Sleep(50 * time.Millisecond)

	id := createNode(t, ts, engine.NodeInput{
		Kind: core.KindFact, Title: "watched fact", SourceAgent: "agent-a",
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev struct {
		Type   string `json:"type"`
		NodeID string `json:"node_id"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "node.created", ev.Type)
	assert.Equal(t, id, ev.NodeID)
}

func TestBriefingEndpoint(t *testing.T) {
	ts := newTestServer(t)

	createNode(t, ts, engine.NodeInput{
		Kind: core.KindFact, Title: "briefed fact", SourceAgent: "agent-a",
	})

	resp, err := http.Get(ts.URL + "/v1/briefing/agent-a")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		AgentID  string `json:"agent_id"`
		Rendered string `json:"rendered"`
		Compact  bool   `json:"compact"`
		Cached   bool   `json:"cached"`
	}
	decodeBody(t, resp, &out)
	assert.Equal(t, "agent-a", out.AgentID)
	assert.Contains(t, out.Rendered, "briefed fact")
	assert.False(t, out.Compact)
	assert.False(t, out.Cached)

	// Compact variant.
	resp2, err := http.Get(ts.URL + "/v1/briefing/agent-a?compact=true")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var compact struct {
		Compact  bool   `json:"compact"`
		Rendered string `json:"rendered"`
	}
	decodeBody(t, resp2, &compact)
	assert.True(t, compact.Compact)
	assert.NotContains(t, compact.Rendered, "##")
}

func TestDeleteNodeEndpoint(t *testing.T) {
	ts := newTestServer(t)

	id := createNode(t, ts, engine.NodeInput{Kind: core.KindFact, Title: "gone soon"})

	resp, err := http.Post(ts.URL+"/v1/nodes/"+id+"/delete", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	got, err := http.Get(ts.URL + "/v1/nodes/" + id)
	require.NoError(t, err)
	got.Body.Close()
	assert.Equal(t, http.StatusNotFound, got.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 3; i++ {
		createNode(t, ts, engine.NodeInput{
			Kind: core.KindFact, Title: fmt.Sprintf("fact %d", i),
		})
	}

	resp, err := http.Get(ts.URL + "/v1/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Graph struct {
			Nodes uint64 `json:"nodes"`
		} `json:"graph"`
		IndexedNodes int `json:"indexed_nodes"`
	}
	decodeBody(t, resp, &out)
	assert.Equal(t, uint64(3), out.Graph.Nodes)
	assert.Equal(t, 3, out.IndexedNodes)
}

func TestLinkEndpointWithLinkerDisabled(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/v1/link", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	// The test engine runs without a linker; the route must map the
	// engine error rather than crash.
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
