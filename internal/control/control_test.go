package control

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"lightwaveos/internal/hubstate"
	"lightwaveos/internal/kv"
	"lightwaveos/internal/ota"
	"lightwaveos/internal/proto"
	"lightwaveos/internal/registry"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	reg := registry.New()
	st := hubstate.New()
	dispatcher := ota.NewDispatcher(nil)
	manifests, err := ota.NewManifestRepo(filepath.Join(t.TempDir(), "manifest.json"))
	if err != nil {
		t.Fatalf("NewManifestRepo: %v", err)
	}
	s := New(reg, st, dispatcher, manifests, "")
	httpSrv := httptest.NewServer(s.echo)
	t.Cleanup(httpSrv.Close)
	return s, httpSrv
}

func dialWS(t *testing.T, httpSrv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestHealthEndpoint(t *testing.T) {
	_, httpSrv := newTestServer(t)
	resp, err := http.Get(httpSrv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHelloReceivesWelcomeAndSnapshot(t *testing.T) {
	s, httpSrv := newTestServer(t)
	conn := dialWS(t, httpSrv)
	defer conn.Close()

	hello := proto.Envelope{Type: proto.MsgHello, NodeID: "node-1", FirmwareVer: "1.0"}
	if err := conn.WriteJSON(hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	// welcome+snapshot dispatch happens off the PendingJoin ring, drained
	// by the main loop rather than inline in the accept goroutine; drive
	// that drain explicitly, same as hubstate.Coalesce in its own tests.
	time.Sleep(50 * time.Millisecond)
	s.DrainPendingJoins()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var welcome proto.Envelope
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	if welcome.Type != proto.MsgWelcome || welcome.AssignedID != "node-1" {
		t.Fatalf("welcome = %+v, want type=welcome assignedId=node-1", welcome)
	}

	var snapshot proto.Envelope
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snapshot.Type != proto.MsgStateSnapshot || snapshot.Global == nil {
		t.Fatalf("snapshot = %+v, want type=state.snapshot with Global set", snapshot)
	}
	if len(snapshot.Zones) != hubstate.NumZones {
		t.Fatalf("snapshot zones = %d, want %d", len(snapshot.Zones), hubstate.NumZones)
	}
}

func TestKeepaliveMarksNodeReady(t *testing.T) {
	s, httpSrv := newTestServer(t)
	conn := dialWS(t, httpSrv)
	defer conn.Close()

	conn.WriteJSON(proto.Envelope{Type: proto.MsgHello, NodeID: "node-2"})
	time.Sleep(50 * time.Millisecond)
	s.DrainPendingJoins()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var tmp proto.Envelope
	conn.ReadJSON(&tmp) // welcome
	conn.ReadJSON(&tmp) // snapshot

	conn.WriteJSON(proto.Envelope{Type: proto.MsgKeepalive})

	// Give the server goroutine a moment to process the inbound message.
	time.Sleep(100 * time.Millisecond)

	n := s.reg.Get("node-2")
	if n == nil {
		t.Fatal("node-2 should still be registered")
	}
	if n.State != registry.Ready {
		t.Fatalf("state after keepalive = %v, want Ready", n.State)
	}
}

func TestKeepaliveWithForeignTokenDoesNotMarkReady(t *testing.T) {
	s, httpSrv := newTestServer(t)
	conn := dialWS(t, httpSrv)
	defer conn.Close()

	conn.WriteJSON(proto.Envelope{Type: proto.MsgHello, NodeID: "node-3"})
	time.Sleep(50 * time.Millisecond)
	s.DrainPendingJoins()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var welcome proto.Envelope
	conn.ReadJSON(&welcome) // welcome, carries the real token
	var tmp proto.Envelope
	conn.ReadJSON(&tmp) // snapshot

	conn.WriteJSON(proto.Envelope{Type: proto.MsgKeepalive, Token: "not-the-real-token"})
	time.Sleep(100 * time.Millisecond)

	n := s.reg.Get("node-3")
	if n == nil {
		t.Fatal("node-3 should still be registered")
	}
	if n.State == registry.Ready {
		t.Fatal("a keepalive with a mismatched token must not mark the node Ready")
	}
}

func TestOTARolloutRequiresManifest(t *testing.T) {
	_, httpSrv := newTestServer(t)
	body := strings.NewReader(`{"platform":"esp32-s3","track":"stable","nodeIds":["n1"]}`)
	resp, err := http.Post(httpSrv.URL+"/ota/rollout", "application/json", body)
	if err != nil {
		t.Fatalf("POST /ota/rollout: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (no manifest published)", resp.StatusCode)
	}
}

func TestOTAUploadPublishesManifest(t *testing.T) {
	s, httpSrv := newTestServer(t)

	store, err := kv.Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	blobs, err := ota.NewBlobStore(t.TempDir(), store)
	if err != nil {
		t.Fatalf("NewBlobStore: %v", err)
	}
	s.SetBlobStore(blobs)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("platform", "esp32-s3")
	mw.WriteField("track", "stable")
	mw.WriteField("version", "1.2.3")
	fw, err := mw.CreateFormFile("file", "firmware.bin")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write([]byte("fake firmware bytes"))
	mw.Close()

	resp, err := http.Post(httpSrv.URL+"/ota/upload", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST /ota/upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var manifest ota.Manifest
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		t.Fatalf("decode manifest response: %v", err)
	}
	if manifest.Version != "1.2.3" || !strings.HasPrefix(manifest.URL, "/ota/bin/") {
		t.Fatalf("manifest = %+v, want version=1.2.3 and a /ota/bin/ URL", manifest)
	}

	published, ok := s.manifests.Get("esp32-s3", "stable")
	if !ok || published.SHA256 != manifest.SHA256 {
		t.Fatalf("published manifest = %+v, ok=%v, want it to match the upload response", published, ok)
	}
}

func TestNodesEndpointReturnsJSON(t *testing.T) {
	_, httpSrv := newTestServer(t)
	resp, err := http.Get(httpSrv.URL + "/nodes")
	if err != nil {
		t.Fatalf("GET /nodes: %v", err)
	}
	defer resp.Body.Close()
	var out []nodeSummary
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode /nodes response: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no nodes on a fresh server, got %d", len(out))
	}
}

// joinAndDrain performs the hello handshake and consumes welcome+snapshot,
// leaving the connection ready for follow-on traffic.
func joinAndDrain(t *testing.T, s *Server, conn *websocket.Conn, nodeID string) {
	t.Helper()
	if err := conn.WriteJSON(proto.Envelope{Type: proto.MsgHello, NodeID: nodeID}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	s.DrainPendingJoins()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var tmp proto.Envelope
	if err := conn.ReadJSON(&tmp); err != nil || tmp.Type != proto.MsgWelcome {
		t.Fatalf("read welcome: %v (%+v)", err, tmp)
	}
	if err := conn.ReadJSON(&tmp); err != nil || tmp.Type != proto.MsgStateSnapshot {
		t.Fatalf("read snapshot: %v (%+v)", err, tmp)
	}
}

func TestTSPingOverControlPlaneAnswersPong(t *testing.T) {
	s, httpSrv := newTestServer(t)
	conn := dialWS(t, httpSrv)
	defer conn.Close()
	joinAndDrain(t, s, conn, "node-ts")

	t1 := time.Now().UnixMicro()
	conn.WriteJSON(proto.Envelope{Type: proto.MsgTSPing, Seq: 7, T1Us: t1})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pong proto.Envelope
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("read ts_pong: %v", err)
	}
	if pong.Type != proto.MsgTSPong || pong.Seq != 7 || pong.T1Us != t1 {
		t.Fatalf("pong = %+v, want ts_pong seq=7 echoing t1", pong)
	}
	if pong.T2Us == 0 || pong.T3Us < pong.T2Us {
		t.Fatalf("pong timestamps t2=%d t3=%d, want 0 < t2 <= t3", pong.T2Us, pong.T3Us)
	}
}

func TestTSPingWithoutT1ReturnsError(t *testing.T) {
	s, httpSrv := newTestServer(t)
	conn := dialWS(t, httpSrv)
	defer conn.Close()
	joinAndDrain(t, s, conn, "node-ts2")

	conn.WriteJSON(proto.Envelope{Type: proto.MsgTSPing, Seq: 1})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply proto.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read error reply: %v", err)
	}
	if reply.Type != proto.MsgError || reply.Code != proto.CodeMissingField {
		t.Fatalf("reply = %+v, want error/MISSING_FIELD", reply)
	}
}

func TestDuplicateHelloReissuesWelcome(t *testing.T) {
	s, httpSrv := newTestServer(t)
	conn := dialWS(t, httpSrv)
	defer conn.Close()
	joinAndDrain(t, s, conn, "node-dup")

	// A second hello on the live connection re-runs the pending-join path.
	conn.WriteJSON(proto.Envelope{Type: proto.MsgHello, NodeID: "node-dup"})
	time.Sleep(50 * time.Millisecond)
	s.DrainPendingJoins()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var welcome proto.Envelope
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("read re-issued welcome: %v", err)
	}
	if welcome.Type != proto.MsgWelcome || welcome.AssignedID != "node-dup" {
		t.Fatalf("welcome = %+v, want re-issued welcome for node-dup", welcome)
	}
	var snapshot proto.Envelope
	if err := conn.ReadJSON(&snapshot); err != nil || snapshot.Type != proto.MsgStateSnapshot {
		t.Fatalf("read re-issued snapshot: %v (%+v)", err, snapshot)
	}
}

func TestHelloWithoutNodeIDReturnsErrorEnvelope(t *testing.T) {
	_, httpSrv := newTestServer(t)
	conn := dialWS(t, httpSrv)
	defer conn.Close()

	conn.WriteJSON(proto.Envelope{Type: proto.MsgHello})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply proto.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read error reply: %v", err)
	}
	if reply.Type != proto.MsgError || reply.Code != proto.CodeMissingField {
		t.Fatalf("reply = %+v, want error/MISSING_FIELD", reply)
	}
}

func TestKeepaliveWithForeignTokenReturnsErrorEnvelope(t *testing.T) {
	s, httpSrv := newTestServer(t)
	conn := dialWS(t, httpSrv)
	defer conn.Close()
	joinAndDrain(t, s, conn, "node-tok")

	conn.WriteJSON(proto.Envelope{Type: proto.MsgKeepalive, Token: "not-the-real-token"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply proto.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read error reply: %v", err)
	}
	if reply.Type != proto.MsgError || reply.Code != proto.CodeInvalidValue {
		t.Fatalf("reply = %+v, want error/INVALID_VALUE", reply)
	}
}

func TestHelloTopologyRecordedInRegistry(t *testing.T) {
	s, httpSrv := newTestServer(t)
	conn := dialWS(t, httpSrv)
	defer conn.Close()

	conn.WriteJSON(proto.Envelope{Type: proto.MsgHello, NodeID: "node-topo", Leds: 320, Channels: 2})
	time.Sleep(50 * time.Millisecond)

	n := s.reg.Get("node-topo")
	if n == nil {
		t.Fatal("node-topo not registered")
	}
	if n.Leds != 320 || n.Channels != 2 {
		t.Fatalf("topology = %d/%d, want 320/2", n.Leds, n.Channels)
	}
}

func TestSetParamsEndpointMarksStateDirty(t *testing.T) {
	s, httpSrv := newTestServer(t)

	body := strings.NewReader(`{"brightness":0.8,"effectId":5}`)
	resp, err := http.Post(httpSrv.URL+"/params", "application/json", body)
	if err != nil {
		t.Fatalf("POST /params: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	g := s.st.Global()
	if g.Brightness != 0.8 || g.EffectID != 5 {
		t.Fatalf("global = %+v, want brightness=0.8 effectId=5", g)
	}
	globalMask, _ := s.st.DrainDirty()
	if globalMask&hubstate.DirtyBrightness == 0 || globalMask&hubstate.DirtyEffectID == 0 {
		t.Fatalf("dirty mask = %b, want brightness and effectId bits set", globalMask)
	}
}

func TestSetParamsEndpointRejectsEmptyBody(t *testing.T) {
	_, httpSrv := newTestServer(t)
	resp, err := http.Post(httpSrv.URL+"/params", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST /params: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSetZoneEndpoint(t *testing.T) {
	s, httpSrv := newTestServer(t)

	body := strings.NewReader(`{"blendMode":7,"brightness":0.3}`)
	resp, err := http.Post(httpSrv.URL+"/zones/2", "application/json", body)
	if err != nil {
		t.Fatalf("POST /zones/2: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	z, ok := s.st.Zone(2)
	if !ok || z.BlendMode != hubstate.BlendSubtract || z.Brightness != 0.3 {
		t.Fatalf("zone 2 = %+v, want blendMode=subtract brightness=0.3", z)
	}
}

func TestSetZoneEndpointOutOfRange(t *testing.T) {
	_, httpSrv := newTestServer(t)
	resp, err := http.Post(httpSrv.URL+"/zones/99", "application/json", strings.NewReader(`{"brightness":0.3}`))
	if err != nil {
		t.Fatalf("POST /zones/99: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
