package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netsentry/netsentry/internal/metrics"
	"github.com/netsentry/netsentry/internal/model"
)

// Collectors register once per test binary.
var testMetrics = metrics.NewMetrics()

const testSeedHex = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"

type fedSink struct {
	mu        sync.Mutex
	persisted []*model.Correlation
	published []*model.Correlation
}

func (s *fedSink) Persist(_ context.Context, c *model.Correlation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persisted = append(s.persisted, c)
	return nil
}

func (s *fedSink) RequestAlert(_ context.Context, _ *model.AlertDraft) (string, error) {
	return "", nil
}

func (s *fedSink) Publish(c *model.Correlation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, c)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCorrelation() *model.Correlation {
	return &model.Correlation{
		ID:         "corr-1",
		RuleID:     "port_scan_burst",
		RuleName:   "Port scan burst from one source",
		Severity:   model.SeverityMedium,
		Confidence: 0.85,
		Timestamp:  time.Now().UTC(),
		MatchedEvents: []*model.Event{
			{SourceIP: "10.0.0.1", DestinationIP: "192.168.1.50"},
			{SourceIP: "10.0.0.1", DestinationIP: "192.168.1.51"},
		},
		Metadata: model.CorrelationMetadata{EventCount: 5, DistinctSources: 1, DistinctDestinations: 2, DistinctProtocols: 1},
	}
}

func newTestGateway(t *testing.T, nodeID string, endpoints []string, signer Signer, keys KeyDirectory, cphr *Cipher, compress bool, findings *fedSink) *Gateway {
	t.Helper()
	g, err := NewGateway(nodeID, endpoints, signer, keys, cphr, compress, 2*time.Second, findings, testMetrics, discardLogger())
	require.NoError(t, err)
	return g
}

func TestShare_DeliversToAllPeers(t *testing.T) {
	var mu sync.Mutex
	var bodies [][]byte
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	peer1 := httptest.NewServer(handler)
	defer peer1.Close()
	peer2 := httptest.NewServer(handler)
	defer peer2.Close()

	signer := NewHMACSigner("shared-secret")
	g := newTestGateway(t, "node-a", []string{peer1.URL, peer2.URL}, signer, NewSharedKeyDirectory("shared-secret"), nil, false, &fedSink{})

	g.Share(testCorrelation())
	g.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2)

	var msg model.FederatedMessage
	require.NoError(t, json.Unmarshal(bodies[0], &msg))
	assert.Equal(t, "correlation", msg.Type)
	assert.Equal(t, "node-a", msg.Source)
	assert.Equal(t, "corr-1", msg.Correlation.ID)
	assert.Equal(t, []string{"10.0.0.1"}, msg.Correlation.Sources)
	assert.Contains(t, msg.Correlation.Summary, "matched 5 events")

	payload, err := signingPayload(&msg)
	require.NoError(t, err)
	assert.NoError(t, signer.Verify(payload, msg.Signature))
}

func TestShare_SkipsFederatedCorrelations(t *testing.T) {
	var calls int
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusAccepted)
	}))
	defer peer.Close()

	g := newTestGateway(t, "node-a", []string{peer.URL}, NewHMACSigner("s"), NewSharedKeyDirectory("s"), nil, false, &fedSink{})

	c := testCorrelation()
	c.Federated = true
	g.Share(c)
	g.Wait()

	assert.Zero(t, calls)
}

func TestShare_FailedEndpointDoesNotBlockOthers(t *testing.T) {
	var mu sync.Mutex
	var delivered int
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		delivered++
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer peer.Close()

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer dead.Close()

	g := newTestGateway(t, "node-a", []string{dead.URL, peer.URL}, NewHMACSigner("s"), NewSharedKeyDirectory("s"), nil, false, &fedSink{})

	g.Share(testCorrelation())
	g.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, delivered)
}

func TestFederation_Ed25519RoundTrip(t *testing.T) {
	signer, err := NewEd25519Signer(testSeedHex)
	require.NoError(t, err)

	var captured []byte
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer peer.Close()

	sender := newTestGateway(t, "node-a", []string{peer.URL}, signer, nil, nil, false, &fedSink{})
	sender.Share(testCorrelation())
	sender.Wait()
	require.NotEmpty(t, captured)

	keys, err := NewStaticKeyDirectory(map[string]string{"node-a": signer.PublicKeyHex()})
	require.NoError(t, err)
	findings := &fedSink{}
	receiver := newTestGateway(t, "node-b", nil, nil, keys, nil, false, findings)

	c, err := receiver.HandleInbound(context.Background(), captured)
	require.NoError(t, err)

	assert.True(t, c.Federated)
	assert.Equal(t, "node-a", c.FederatedFrom)
	assert.Equal(t, "corr-1", c.ID)
	assert.Equal(t, model.SeverityMedium, c.Severity)
	assert.InDelta(t, 0.85, c.Confidence, 1e-9)

	require.Len(t, findings.persisted, 1)
	require.Len(t, findings.published, 1)
}

func TestFederation_EncryptedCompressedRoundTrip(t *testing.T) {
	signer, err := NewEd25519Signer(testSeedHex)
	require.NoError(t, err)
	cphr, err := NewCipher("preshared")
	require.NoError(t, err)

	var captured []byte
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer peer.Close()

	sender := newTestGateway(t, "node-a", []string{peer.URL}, signer, nil, cphr, true, &fedSink{})
	sender.Share(testCorrelation())
	sender.Wait()
	require.NotEmpty(t, captured)

	// The wire form is an opaque envelope, not the message itself.
	var env envelope
	require.NoError(t, json.Unmarshal(captured, &env))
	assert.True(t, env.Encrypted)
	assert.True(t, env.Compressed)
	assert.NotContains(t, env.Payload, "corr-1")

	keys, err := NewStaticKeyDirectory(map[string]string{"*": signer.PublicKeyHex()})
	require.NoError(t, err)
	receiver := newTestGateway(t, "node-b", nil, nil, keys, cphr, false, &fedSink{})

	c, err := receiver.HandleInbound(context.Background(), captured)
	require.NoError(t, err)
	assert.Equal(t, "corr-1", c.ID)
}

func TestHandleInbound_WrongCipherKey(t *testing.T) {
	sendCipher, err := NewCipher("key-a")
	require.NoError(t, err)
	recvCipher, err := NewCipher("key-b")
	require.NoError(t, err)

	body, err := encodeBody([]byte(`{"type":"correlation"}`), sendCipher, false)
	require.NoError(t, err)

	findings := &fedSink{}
	g := newTestGateway(t, "node-b", nil, nil, NewSharedKeyDirectory("s"), recvCipher, false, findings)

	_, err = g.HandleInbound(context.Background(), body)
	assert.ErrorIs(t, err, ErrMalformedMessage)
	assert.Empty(t, findings.persisted)
}

func TestHandleInbound_TamperedMessageRejected(t *testing.T) {
	signer := NewHMACSigner("shared-secret")

	var captured []byte
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer peer.Close()

	sender := newTestGateway(t, "node-a", []string{peer.URL}, signer, nil, nil, false, &fedSink{})
	sender.Share(testCorrelation())
	sender.Wait()
	require.NotEmpty(t, captured)

	var msg model.FederatedMessage
	require.NoError(t, json.Unmarshal(captured, &msg))
	msg.Correlation.Severity = model.SeverityCritical
	tampered, err := json.Marshal(&msg)
	require.NoError(t, err)

	findings := &fedSink{}
	receiver := newTestGateway(t, "node-b", nil, nil, NewSharedKeyDirectory("shared-secret"), nil, false, findings)

	_, err = receiver.HandleInbound(context.Background(), tampered)
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Empty(t, findings.persisted)
	assert.Empty(t, findings.published)
}

func TestHandleInbound_UnknownSource(t *testing.T) {
	signer, err := NewEd25519Signer(testSeedHex)
	require.NoError(t, err)

	msg := &model.FederatedMessage{
		Type:      "correlation",
		Source:    "node-x",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Correlation: model.CorrelationSummary{
			ID: "corr-1", Type: "r", Severity: model.SeverityLow, Confidence: 0.5,
		},
	}
	payload, err := signingPayload(msg)
	require.NoError(t, err)
	msg.Signature, err = signer.Sign(payload)
	require.NoError(t, err)
	body, err := json.Marshal(msg)
	require.NoError(t, err)

	// Directory knows node-a only; no wildcard fallback.
	keys, err := NewStaticKeyDirectory(map[string]string{"node-a": signer.PublicKeyHex()})
	require.NoError(t, err)
	g := newTestGateway(t, "node-b", nil, nil, keys, nil, false, &fedSink{})

	_, err = g.HandleInbound(context.Background(), body)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestHandleInbound_MalformedBodies(t *testing.T) {
	g := newTestGateway(t, "node-b", nil, nil, NewSharedKeyDirectory("s"), nil, false, &fedSink{})

	tests := []struct {
		name string
		body string
	}{
		{"not json", "not json at all"},
		{"missing fields", `{"type":"correlation","source":"node-a"}`},
		{"wrong type", `{"type":"verdict","source":"a","timestamp":"t","signature":"s","correlation":{"id":"1","severity":"low","confidence":0.5}}`},
		{"bad severity", `{"type":"correlation","source":"a","timestamp":"t","signature":"s","correlation":{"id":"1","severity":"apocalyptic","confidence":0.5}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.HandleInbound(context.Background(), []byte(tt.body))
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestHandleInbound_ClampsConfidence(t *testing.T) {
	signer := NewHMACSigner("s")

	msg := &model.FederatedMessage{
		Type:      "correlation",
		Source:    "node-a",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Correlation: model.CorrelationSummary{
			ID: "corr-9", Type: "r", Severity: model.SeverityHigh, Confidence: 1.8,
		},
	}
	payload, err := signingPayload(msg)
	require.NoError(t, err)
	msg.Signature, err = signer.Sign(payload)
	require.NoError(t, err)
	body, err := json.Marshal(msg)
	require.NoError(t, err)

	g := newTestGateway(t, "node-b", nil, nil, NewSharedKeyDirectory("s"), nil, false, &fedSink{})

	c, err := g.HandleInbound(context.Background(), body)
	require.NoError(t, err)
	assert.InDelta(t, 0.95, c.Confidence, 1e-9)
}

func TestEd25519Signer_KeyParsing(t *testing.T) {
	_, err := NewEd25519Signer("zz")
	assert.Error(t, err)

	_, err = NewEd25519Signer("abcd")
	assert.ErrorContains(t, err, "32 or 64 bytes")

	signer, err := NewEd25519Signer(testSeedHex)
	require.NoError(t, err)
	assert.Len(t, signer.PublicKeyHex(), 64)
}

func TestHMACSigner_RejectsWrongSecret(t *testing.T) {
	a := NewHMACSigner("secret-a")
	b := NewHMACSigner("secret-b")

	sig, err := a.Sign([]byte("payload"))
	require.NoError(t, err)

	assert.NoError(t, a.Verify([]byte("payload"), sig))
	assert.ErrorIs(t, b.Verify([]byte("payload"), sig), ErrInvalidSignature)
}

func TestCipher_OpenRejectsTruncated(t *testing.T) {
	cphr, err := NewCipher("k")
	require.NoError(t, err)
	_, err = cphr.Open([]byte("short"))
	assert.Error(t, err)
}

func TestEncodeBody_PlainPassthrough(t *testing.T) {
	message := []byte(`{"type":"correlation"}`)
	body, err := encodeBody(message, nil, false)
	require.NoError(t, err)
	assert.Equal(t, message, body)

	decoded, err := decodeBody(body, nil)
	require.NoError(t, err)
	assert.Equal(t, message, decoded)
}

func TestBuildSummary_CapsEndpointLists(t *testing.T) {
	c := testCorrelation()
	c.MatchedEvents = nil
	for i := 0; i < 6; i++ {
		c.MatchedEvents = append(c.MatchedEvents, &model.Event{
			SourceIP:      fmt.Sprintf("10.0.0.%d", i+1),
			DestinationIP: fmt.Sprintf("192.168.1.%d", i+1),
		})
	}

	summary := buildSummary(c)
	assert.Len(t, summary.Sources, 3)
	assert.Len(t, summary.Destinations, 3)
}

func TestStaticKeyDirectory_WildcardFallback(t *testing.T) {
	signer, err := NewEd25519Signer(testSeedHex)
	require.NoError(t, err)

	keys, err := NewStaticKeyDirectory(map[string]string{"*": signer.PublicKeyHex()})
	require.NoError(t, err)

	v, err := keys.VerifierFor("never-seen-node")
	require.NoError(t, err)
	assert.NotNil(t, v)
}
