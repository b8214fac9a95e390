package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pithecene-io/q4d/adapter"
	"github.com/pithecene-io/q4d/log"
	"github.com/pithecene-io/q4d/metrics"
	"github.com/pithecene-io/q4d/types"
)

type fakeTransferer struct {
	result bool
	got    []types.TransferRequest
}

func (f *fakeTransferer) Transfer(_ context.Context, req types.TransferRequest) bool {
	f.got = append(f.got, req)
	return f.result
}

type sent struct {
	topic   string
	payload string
	qos     types.QoS
}

type fakePublisher struct {
	err  error
	sent []sent
}

func (f *fakePublisher) Publish(topic string, payload []byte, qos types.QoS) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{topic: topic, payload: string(payload), qos: qos})
	return nil
}

type fakeMirror struct {
	err    error
	events []*adapter.AckNotification
}

func (f *fakeMirror) Publish(_ context.Context, event *adapter.AckNotification) error {
	f.events = append(f.events, event)
	return f.err
}

func (f *fakeMirror) Close() error { return nil }

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    types.TransferRequest
		wantErr bool
	}{
		{
			name:    "three fields",
			payload: "Some.Show.S01E01.mkv\tabc123\tTV",
			want:    types.TransferRequest{Target: "Some.Show.S01E01.mkv", ContentHash: "abc123", TypeCode: "TV"},
		},
		{
			name:    "extra fields ignored",
			payload: "movie.mkv\th\tMOV\textra\tmore",
			want:    types.TransferRequest{Target: "movie.mkv", ContentHash: "h", TypeCode: "MOV"},
		},
		{
			name:    "spaces preserved",
			payload: "Some Dir/\th\tTV",
			want:    types.TransferRequest{Target: "Some Dir/", ContentHash: "h", TypeCode: "TV"},
		},
		{
			name:    "empty hash and type code",
			payload: "movie.mkv\t\t",
			want:    types.TransferRequest{Target: "movie.mkv"},
		},
		{name: "empty target", payload: "\thash123\tMOV", wantErr: true},
		{name: "only separators", payload: "\t\t", wantErr: true},
		{name: "two fields", payload: "movie.mkv\th", wantErr: true},
		{name: "one field", payload: "movie.mkv", wantErr: true},
		{name: "empty", payload: "", wantErr: true},
		{name: "invalid utf-8", payload: "movie\xff.mkv\th\tMOV", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRequest([]byte(tt.payload))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformed) {
					t.Fatalf("err = %v, want ErrMalformed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func newTestDispatcher(labelling bool, tr *fakeTransferer, pub *fakePublisher, mirror adapter.Adapter) (*Dispatcher, *metrics.Collector) {
	collector := metrics.NewCollector("test")
	d := New(Config{
		Labelling: labelling,
		Mirror:    mirror,
		Collector: collector,
	}, tr, pub, log.Nop())
	return d, collector
}

func TestHandleMessage_SuccessPublishesDone(t *testing.T) {
	tr := &fakeTransferer{result: true}
	pub := &fakePublisher{}
	d, collector := newTestDispatcher(true, tr, pub, nil)

	d.HandleMessage(t.Context(), []byte("movie.mkv\tabc123\tMOV"))

	if len(tr.got) != 1 {
		t.Fatalf("transfers = %d, want 1", len(tr.got))
	}
	want := sent{topic: "Label", payload: "abc123\tDONE", qos: types.QoSExactlyOnce}
	if len(pub.sent) != 1 || pub.sent[0] != want {
		t.Errorf("sent = %+v, want [%+v]", pub.sent, want)
	}
	if collector.Snapshot().AcksPublished != 1 {
		t.Errorf("AcksPublished = %d, want 1", collector.Snapshot().AcksPublished)
	}
}

func TestHandleMessage_FailurePublishesNope(t *testing.T) {
	tr := &fakeTransferer{result: false}
	pub := &fakePublisher{}
	d, _ := newTestDispatcher(true, tr, pub, nil)

	d.HandleMessage(t.Context(), []byte("movie.mkv\tabc123\tMOV"))

	if len(pub.sent) != 1 || pub.sent[0].payload != "abc123\tNOPE" {
		t.Errorf("sent = %+v, want abc123\\tNOPE", pub.sent)
	}
}

func TestHandleMessage_NotUsedSuppressesAck(t *testing.T) {
	tr := &fakeTransferer{result: true}
	pub := &fakePublisher{}
	d, _ := newTestDispatcher(true, tr, pub, nil)

	d.HandleMessage(t.Context(), []byte("movie.mkv\tNotUsed\tMOV"))

	if len(tr.got) != 1 {
		t.Errorf("transfer must still run, got %d", len(tr.got))
	}
	if len(pub.sent) != 0 {
		t.Errorf("expected no acknowledgment, got %+v", pub.sent)
	}
}

func TestHandleMessage_LabellingOff(t *testing.T) {
	tr := &fakeTransferer{result: true}
	pub := &fakePublisher{}
	mirror := &fakeMirror{}
	d, _ := newTestDispatcher(false, tr, pub, mirror)

	d.HandleMessage(t.Context(), []byte("movie.mkv\tabc123\tMOV"))

	if len(pub.sent) != 0 {
		t.Errorf("expected no acknowledgment, got %+v", pub.sent)
	}
	if len(mirror.events) != 0 {
		t.Errorf("expected no mirror publish, got %d", len(mirror.events))
	}
}

func TestHandleMessage_MalformedIsDiscarded(t *testing.T) {
	tr := &fakeTransferer{result: true}
	pub := &fakePublisher{}
	d, collector := newTestDispatcher(true, tr, pub, nil)

	d.HandleMessage(t.Context(), []byte("movie.mkv\tabc123"))

	if len(tr.got) != 0 || len(pub.sent) != 0 {
		t.Errorf("malformed payload must not transfer or publish: %+v %+v", tr.got, pub.sent)
	}
	if collector.Snapshot().MessagesMalformed != 1 {
		t.Errorf("MessagesMalformed = %d, want 1", collector.Snapshot().MessagesMalformed)
	}
}

func TestHandleMessage_EmptyTargetIsDiscarded(t *testing.T) {
	tr := &fakeTransferer{result: true}
	pub := &fakePublisher{}
	d, collector := newTestDispatcher(true, tr, pub, nil)

	d.HandleMessage(t.Context(), []byte("\thash123\tMOV"))

	if len(tr.got) != 0 {
		t.Errorf("empty target must not transfer: %+v", tr.got)
	}
	if len(pub.sent) != 0 {
		t.Errorf("empty target must not be acknowledged: %+v", pub.sent)
	}
	if collector.Snapshot().MessagesMalformed != 1 {
		t.Errorf("MessagesMalformed = %d, want 1", collector.Snapshot().MessagesMalformed)
	}
}

func TestHandleMessage_PublishFailureIsDropped(t *testing.T) {
	tr := &fakeTransferer{result: true}
	pub := &fakePublisher{err: errors.New("not connected")}
	d, collector := newTestDispatcher(true, tr, pub, nil)

	d.HandleMessage(t.Context(), []byte("movie.mkv\tabc123\tMOV"))

	s := collector.Snapshot()
	if s.AcksDropped != 1 || s.AcksPublished != 0 {
		t.Errorf("metrics = %+v", s)
	}
}

func TestHandleMessage_MirrorReceivesAck(t *testing.T) {
	tr := &fakeTransferer{result: false}
	pub := &fakePublisher{err: errors.New("not connected")}
	mirror := &fakeMirror{}
	d, _ := newTestDispatcher(true, tr, pub, mirror)

	d.HandleMessage(t.Context(), []byte("Show/\tdeadbeef\tTV"))

	if len(mirror.events) != 1 {
		t.Fatalf("mirror events = %d, want 1", len(mirror.events))
	}
	ev := mirror.events[0]
	if ev.EventType != adapter.EventTypeAck || ev.ContentHash != "deadbeef" || ev.Outcome != types.OutcomeNope {
		t.Errorf("event = %+v", ev)
	}
	if ev.Target != "Show/" || ev.TypeCode != "TV" {
		t.Errorf("event target/type = %q/%q", ev.Target, ev.TypeCode)
	}
	if ev.BusDelivered {
		t.Error("BusDelivered should be false when bus publish failed")
	}
}

func TestHandleMessage_MirrorFailureIsContained(t *testing.T) {
	tr := &fakeTransferer{result: true}
	pub := &fakePublisher{}
	mirror := &fakeMirror{err: errors.New("503")}
	d, collector := newTestDispatcher(true, tr, pub, mirror)

	d.HandleMessage(t.Context(), []byte("movie.mkv\tabc123\tMOV"))

	if len(pub.sent) != 1 || collector.Snapshot().AcksPublished != 1 {
		t.Errorf("bus acknowledgment must be unaffected by mirror failure")
	}
}

func TestHandleMessage_Duration(t *testing.T) {
	tr := &fakeTransferer{result: true}
	mirror := &fakeMirror{}
	base := time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC)
	calls := 0
	d := New(Config{
		Labelling: true,
		Mirror:    mirror,
		Now: func() time.Time {
			calls++
			return base.Add(time.Duration(calls-1) * 1500 * time.Millisecond)
		},
	}, tr, &fakePublisher{}, log.Nop())

	d.HandleMessage(t.Context(), []byte("movie.mkv\tabc123\tMOV"))

	if len(mirror.events) != 1 {
		t.Fatalf("mirror events = %d, want 1", len(mirror.events))
	}
	if mirror.events[0].DurationMs != 1500 {
		t.Errorf("DurationMs = %d, want 1500", mirror.events[0].DurationMs)
	}
}
