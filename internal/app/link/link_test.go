package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/praveenparshiva/instant-vid-link/internal/core"
	"github.com/praveenparshiva/instant-vid-link/internal/domain"
	"github.com/praveenparshiva/instant-vid-link/internal/signal"
)

type fakeSource struct{ kind domain.TrackKind }

func (s *fakeSource) Kind() domain.TrackKind { return s.kind }
func (s *fakeSource) OnEnded(func())         {}
func (s *fakeSource) Stop() error            { return nil }

type sentSignal struct {
	target  domain.ParticipantID
	typ     signal.Type
	payload []byte
}

type fakeRelay struct {
	mu   sync.Mutex
	sent []sentSignal
}

func (r *fakeRelay) Send(target domain.ParticipantID, typ signal.Type, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentSignal{target, typ, append([]byte(nil), payload...)})
	return nil
}

func (r *fakeRelay) byType(typ signal.Type) []sentSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sentSignal
	for _, s := range r.sent {
		if s.typ == typ {
			out = append(out, s)
		}
	}
	return out
}

type fakeTransport struct {
	mu          sync.Mutex
	offerN      int
	answerN     int
	remoteDescs [][]byte
	candidates  [][]byte
	attached    map[domain.TrackKind]core.TrackSource
	attachCalls int
	detached    []domain.TrackKind
	receivers   []domain.TrackKind
	enabled     map[domain.TrackKind]bool
	closed      bool

	offerErr error

	onCandidate func([]byte)
	onTrack     func(domain.TrackKind)
	onEnded     func(domain.TrackKind)
	onFailure   func(error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		attached: make(map[domain.TrackKind]core.TrackSource),
		enabled:  make(map[domain.TrackKind]bool),
	}
}

func (t *fakeTransport) CreateOffer(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.offerErr != nil {
		return nil, t.offerErr
	}
	t.offerN++
	return []byte(fmt.Sprintf(`{"sdp":"offer-%d"}`, t.offerN)), nil
}

func (t *fakeTransport) CreateAnswer(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.answerN++
	return []byte(fmt.Sprintf(`{"sdp":"answer-%d"}`, t.answerN)), nil
}

func (t *fakeTransport) ApplyRemoteDescription(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remoteDescs = append(t.remoteDescs, append([]byte(nil), payload...))
	return nil
}

func (t *fakeTransport) AddRemoteCandidate(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.candidates = append(t.candidates, append([]byte(nil), payload...))
	return nil
}

func (t *fakeTransport) AttachTrack(kind domain.TrackKind, src core.TrackSource) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attached[kind] = src
	t.attachCalls++
	return nil
}

func (t *fakeTransport) DetachTrack(kind domain.TrackKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attached, kind)
	t.detached = append(t.detached, kind)
	return nil
}

func (t *fakeTransport) SetTrackEnabled(kind domain.TrackKind, enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled[kind] = enabled
	return nil
}

func (t *fakeTransport) EnsureReceiver(kind domain.TrackKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receivers = append(t.receivers, kind)
	return nil
}

func (t *fakeTransport) OnLocalCandidate(fn func([]byte))          { t.onCandidate = fn }
func (t *fakeTransport) OnRemoteTrack(fn func(domain.TrackKind))   { t.onTrack = fn }
func (t *fakeTransport) OnRemoteTrackEnded(fn func(domain.TrackKind)) {
	t.onEnded = fn
}
func (t *fakeTransport) OnFailure(fn func(error)) { t.onFailure = fn }

func (t *fakeTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

func (t *fakeTransport) offerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offerN
}

func newTestLink(localID, remoteID string) (*Link, *fakeTransport, *fakeRelay) {
	tr := newFakeTransport()
	relay := &fakeRelay{}
	l := New(Params{
		LocalID:   domain.ParticipantID(localID),
		RemoteID:  domain.ParticipantID(remoteID),
		Transport: tr,
		Relay:     relay,
	})
	return l, tr, relay
}

func TestOfferAnswerCycle(t *testing.T) {
	t.Run("offerer side", func(t *testing.T) {
		l, tr, relay := newTestLink("a", "b")

		l.Offer()
		if got := l.State(); got != StateOfferSent {
			t.Fatalf("state = %v, want offer_sent", got)
		}
		if l.Role() != RoleOfferer {
			t.Fatalf("role = %v, want offerer", l.Role())
		}
		if got := relay.byType(signal.TypeOffer); len(got) != 1 {
			t.Fatalf("sent %d offers, want 1", len(got))
		}

		l.HandleAnswer([]byte(`{"sdp":"remote-answer"}`))
		if got := l.State(); got != StateStable {
			t.Fatalf("state = %v, want stable", got)
		}
		if len(tr.remoteDescs) != 1 {
			t.Fatalf("applied %d remote descriptions, want 1", len(tr.remoteDescs))
		}
	})

	t.Run("answerer side", func(t *testing.T) {
		l, _, relay := newTestLink("b", "a")

		l.HandleOffer([]byte(`{"sdp":"remote-offer"}`))
		if got := l.State(); got != StateStable {
			t.Fatalf("state = %v, want stable", got)
		}
		if l.Role() != RoleAnswerer {
			t.Fatalf("role = %v, want answerer", l.Role())
		}
		if got := relay.byType(signal.TypeAnswer); len(got) != 1 {
			t.Fatalf("sent %d answers, want 1", len(got))
		}
	})

	t.Run("receive-only intent without local tracks", func(t *testing.T) {
		l, tr, _ := newTestLink("a", "b")
		l.Offer()
		if len(tr.receivers) != 2 {
			t.Fatalf("declared %d receivers, want 2 (audio+video)", len(tr.receivers))
		}
	})
}

func TestOutOfOrderSignals(t *testing.T) {
	t.Run("answer before offer is a no-op", func(t *testing.T) {
		l, tr, _ := newTestLink("a", "b")
		l.HandleAnswer([]byte(`{"sdp":"stray"}`))
		if got := l.State(); got != StateIdle {
			t.Fatalf("state = %v, want idle", got)
		}
		if len(tr.remoteDescs) != 0 {
			t.Fatalf("applied %d remote descriptions, want 0", len(tr.remoteDescs))
		}
	})

	t.Run("redelivered answer after stable is ignored", func(t *testing.T) {
		l, tr, _ := newTestLink("a", "b")
		l.Offer()
		l.HandleAnswer([]byte(`{"sdp":"answer"}`))
		l.HandleAnswer([]byte(`{"sdp":"answer"}`))
		if len(tr.remoteDescs) != 1 {
			t.Fatalf("applied %d remote descriptions, want 1", len(tr.remoteDescs))
		}
	})
}

func TestIceQueue(t *testing.T) {
	t.Run("early candidates flush in arrival order exactly once", func(t *testing.T) {
		l, tr, _ := newTestLink("b", "a")

		l.AddCandidate([]byte(`{"c":1}`))
		l.AddCandidate([]byte(`{"c":2}`))
		l.AddCandidate([]byte(`{"c":3}`))
		if len(tr.candidates) != 0 {
			t.Fatalf("applied %d candidates before any description, want 0", len(tr.candidates))
		}

		l.HandleOffer([]byte(`{"sdp":"offer"}`))
		if len(tr.candidates) != 3 {
			t.Fatalf("applied %d candidates, want 3", len(tr.candidates))
		}
		for i, want := range []string{`{"c":1}`, `{"c":2}`, `{"c":3}`} {
			if string(tr.candidates[i]) != want {
				t.Fatalf("candidate %d = %s, want %s", i, tr.candidates[i], want)
			}
		}
	})

	t.Run("candidates after remote description apply immediately", func(t *testing.T) {
		l, tr, _ := newTestLink("b", "a")
		l.HandleOffer([]byte(`{"sdp":"offer"}`))
		l.AddCandidate([]byte(`{"c":9}`))
		if len(tr.candidates) != 1 {
			t.Fatalf("applied %d candidates, want 1", len(tr.candidates))
		}
	})

	t.Run("close clears the queue", func(t *testing.T) {
		l, tr, _ := newTestLink("b", "a")
		l.AddCandidate([]byte(`{"c":1}`))
		l.Close()
		l.HandleOffer([]byte(`{"sdp":"offer"}`))
		if len(tr.candidates) != 0 {
			t.Fatalf("applied %d candidates after close, want 0", len(tr.candidates))
		}
	})
}

func TestGlare(t *testing.T) {
	t.Run("incoming offer wins when local id sorts after sender", func(t *testing.T) {
		// local "b" > remote "a": the remote offer takes over.
		l, _, relay := newTestLink("b", "a")
		l.Offer()
		l.HandleOffer([]byte(`{"sdp":"remote-offer"}`))
		if got := l.State(); got != StateStable {
			t.Fatalf("state = %v, want stable", got)
		}
		if got := relay.byType(signal.TypeAnswer); len(got) != 1 {
			t.Fatalf("sent %d answers, want 1", len(got))
		}
	})

	t.Run("incoming offer defers when local id sorts before sender", func(t *testing.T) {
		// local "a" < remote "b": our offer stands, theirs is parked.
		l, _, relay := newTestLink("a", "b")
		l.Offer()
		l.HandleOffer([]byte(`{"sdp":"remote-offer"}`))
		if got := l.State(); got != StateOfferSent {
			t.Fatalf("state = %v, want offer_sent", got)
		}
		if got := relay.byType(signal.TypeAnswer); len(got) != 0 {
			t.Fatalf("sent %d answers while deferred, want 0", len(got))
		}

		// Once the local offer resolves the parked offer is replayed.
		l.HandleAnswer([]byte(`{"sdp":"remote-answer"}`))
		if got := l.State(); got != StateStable {
			t.Fatalf("state = %v, want stable", got)
		}
		if got := relay.byType(signal.TypeAnswer); len(got) != 1 {
			t.Fatalf("sent %d answers after replay, want 1", len(got))
		}
	})
}

func TestRenegotiationMinimality(t *testing.T) {
	stable := func(t *testing.T) (*Link, *fakeTransport) {
		t.Helper()
		l, tr, _ := newTestLink("a", "b")
		l.SeedLocalTracks(map[domain.TrackKind]core.TrackSource{
			domain.TrackKindAudio: &fakeSource{kind: domain.TrackKindAudio},
			domain.TrackKindVideo: &fakeSource{kind: domain.TrackKindVideo},
		})
		l.Offer()
		l.HandleAnswer([]byte(`{"sdp":"answer"}`))
		if l.State() != StateStable {
			t.Fatalf("setup: state = %v, want stable", l.State())
		}
		return l, tr
	}

	t.Run("mute toggle never offers", func(t *testing.T) {
		l, tr := stable(t)
		before := tr.offerCount()
		l.SetOutgoingEnabled(domain.TrackKindAudio, false)
		l.SetOutgoingEnabled(domain.TrackKindAudio, true)
		if tr.offerCount() != before {
			t.Fatalf("offers went %d -> %d on mute toggle", before, tr.offerCount())
		}
		if tr.enabled[domain.TrackKindAudio] != true {
			t.Fatalf("audio enabled = %v, want true", tr.enabled[domain.TrackKindAudio])
		}
	})

	t.Run("same-kind swap replaces in place without offering", func(t *testing.T) {
		l, tr := stable(t)
		before := tr.offerCount()
		l.UpdateLocalTracks(map[domain.TrackKind]core.TrackSource{
			domain.TrackKindAudio: &fakeSource{kind: domain.TrackKindAudio},
			domain.TrackKindVideo: &fakeSource{kind: domain.TrackKindVideo},
		}, false)
		if tr.offerCount() != before {
			t.Fatalf("offers went %d -> %d on same-kind swap", before, tr.offerCount())
		}
	})

	t.Run("kind-set change offers", func(t *testing.T) {
		l, tr := stable(t)
		before := tr.offerCount()
		l.UpdateLocalTracks(map[domain.TrackKind]core.TrackSource{
			domain.TrackKindAudio: &fakeSource{kind: domain.TrackKindAudio},
		}, false)
		if tr.offerCount() != before+1 {
			t.Fatalf("offers went %d -> %d on kind removal, want +1", before, tr.offerCount())
		}
		if len(tr.detached) != 1 || tr.detached[0] != domain.TrackKindVideo {
			t.Fatalf("detached = %v, want [video]", tr.detached)
		}
	})

	t.Run("forced update offers even with identical kinds", func(t *testing.T) {
		l, tr := stable(t)
		before := tr.offerCount()
		l.UpdateLocalTracks(map[domain.TrackKind]core.TrackSource{
			domain.TrackKindAudio: &fakeSource{kind: domain.TrackKindAudio},
			domain.TrackKindVideo: &fakeSource{kind: domain.TrackKindVideo},
		}, true)
		if tr.offerCount() != before+1 {
			t.Fatalf("offers went %d -> %d on forced update, want +1", before, tr.offerCount())
		}
	})
}

func TestClose(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		l, tr, _ := newTestLink("a", "b")
		l.Close()
		first := l.Snapshot()
		l.Close()
		second := l.Snapshot()
		if first != second {
			t.Fatalf("snapshots differ across double close: %+v vs %+v", first, second)
		}
		if !tr.closed {
			t.Fatal("transport not closed")
		}
	})

	t.Run("signals after close are ignored", func(t *testing.T) {
		l, _, relay := newTestLink("a", "b")
		l.Close()
		l.HandleOffer([]byte(`{"sdp":"stale"}`))
		l.Offer()
		if len(relay.sent) != 0 {
			t.Fatalf("sent %d signals after close, want 0", len(relay.sent))
		}
		if l.State() != StateClosed {
			t.Fatalf("state = %v, want closed", l.State())
		}
	})
}

func TestFailure(t *testing.T) {
	t.Run("offer failure is terminal for this link only", func(t *testing.T) {
		l, tr, _ := newTestLink("a", "b")
		tr.offerErr = errors.New("boom")
		l.Offer()
		if l.State() != StateFailed {
			t.Fatalf("state = %v, want failed", l.State())
		}
		if !tr.closed {
			t.Fatal("transport not closed on failure")
		}
	})

	t.Run("transport failure callback fails the link", func(t *testing.T) {
		l, tr, _ := newTestLink("a", "b")
		tr.onFailure(errors.New("ice died"))
		if l.State() != StateFailed {
			t.Fatalf("state = %v, want failed", l.State())
		}
	})
}

func TestRemoteTrackObservation(t *testing.T) {
	l, tr, _ := newTestLink("a", "b")
	if snap := l.Snapshot(); snap.HasIncomingStream {
		t.Fatal("fresh link reports incoming stream")
	}
	tr.onTrack(domain.TrackKindVideo)
	snap := l.Snapshot()
	if !snap.HasIncomingStream || !snap.RemoteVideoLive {
		t.Fatalf("snapshot = %+v, want incoming video live", snap)
	}
	tr.onEnded(domain.TrackKindVideo)
	if snap := l.Snapshot(); snap.RemoteVideoLive {
		t.Fatal("video still live after ended")
	}
}
