package fieldsync

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestConnectivityStateString(t *testing.T) {
	if StateOnline.String() != "online" {
		t.Errorf("expected online, got %s", StateOnline)
	}
	if StateOffline.String() != "offline" {
		t.Errorf("expected offline, got %s", StateOffline)
	}
	if ConnectivityState(42).String() != "unknown" {
		t.Errorf("expected unknown, got %s", ConnectivityState(42))
	}
}

func TestManualConnectivity(t *testing.T) {
	conn := NewManualConnectivity(StateOffline)
	if conn.State() != StateOffline {
		t.Errorf("expected initial offline, got %s", conn.State())
	}

	conn.SetState(StateOnline)
	if conn.State() != StateOnline {
		t.Errorf("expected online, got %s", conn.State())
	}

	select {
	case event := <-conn.Events():
		if event.State != StateOnline {
			t.Errorf("expected online event, got %s", event.State)
		}
		if event.At.IsZero() {
			t.Error("expected event timestamp to be set")
		}
	default:
		t.Fatal("expected a transition event")
	}
}

func TestManualConnectivityDedupsRepeatedState(t *testing.T) {
	conn := NewManualConnectivity(StateOnline)

	conn.SetState(StateOnline)
	conn.SetState(StateOnline)

	select {
	case event := <-conn.Events():
		t.Errorf("unexpected event for an unchanged state: %+v", event)
	default:
	}
}

func TestManualConnectivitySlowConsumer(t *testing.T) {
	conn := NewManualConnectivity(StateOffline)

	// Far more transitions than the buffer holds; SetState must never
	// block even when nobody is draining events.
	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			conn.SetState(StateOnline)
		} else {
			conn.SetState(StateOffline)
		}
	}

	if conn.State() != StateOffline {
		t.Errorf("expected the last transition to stand, got %s", conn.State())
	}

	drained := 0
	for {
		select {
		case <-conn.Events():
			drained++
			continue
		default:
		}
		break
	}
	if drained == 0 || drained > 8 {
		t.Errorf("expected between 1 and 8 buffered events, got %d", drained)
	}
}

type connectivityDoer struct {
	mu     sync.Mutex
	status int
	err    error
	calls  int
}

func (d *connectivityDoer) set(status int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = status
	d.err = err
}

func (d *connectivityDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return &http.Response{
		StatusCode: d.status,
		Body:       io.NopCloser(strings.NewReader("")),
	}, nil
}

func (d *connectivityDoer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func TestProbeConnectivity(t *testing.T) {
	doer := &connectivityDoer{status: http.StatusNoContent}
	probe := NewProbeConnectivity("http://example.test/health", time.Minute)
	probe.SetHTTPClient(doer)

	if probe.State() != StateOffline {
		t.Errorf("expected offline before the first probe, got %s", probe.State())
	}

	probe.probe()
	if probe.State() != StateOnline {
		t.Errorf("expected online after a successful probe, got %s", probe.State())
	}
	select {
	case event := <-probe.Events():
		if event.State != StateOnline {
			t.Errorf("expected online event, got %s", event.State)
		}
	default:
		t.Fatal("expected a transition event")
	}

	// Any response below 500 proves the network path, even an error.
	doer.set(http.StatusNotFound, nil)
	probe.probe()
	if probe.State() != StateOnline {
		t.Errorf("expected online for a 404, got %s", probe.State())
	}
	select {
	case event := <-probe.Events():
		t.Errorf("unexpected event for an unchanged state: %+v", event)
	default:
	}

	// Server errors suggest a captive portal or broken path.
	doer.set(http.StatusServiceUnavailable, nil)
	probe.probe()
	if probe.State() != StateOffline {
		t.Errorf("expected offline for a 503, got %s", probe.State())
	}

	doer.set(0, errors.New("dial tcp: no route to host"))
	probe.probe()
	if probe.State() != StateOffline {
		t.Errorf("expected offline for a request failure, got %s", probe.State())
	}
}

func TestProbeConnectivityLoop(t *testing.T) {
	doer := &connectivityDoer{status: http.StatusOK}
	probe := NewProbeConnectivity("http://example.test/health", 10*time.Millisecond)
	probe.SetHTTPClient(doer)

	probe.Start()
	time.Sleep(50 * time.Millisecond)
	probe.Stop()

	if doer.callCount() < 2 {
		t.Errorf("expected repeated probing, got %d calls", doer.callCount())
	}
	if probe.State() != StateOnline {
		t.Errorf("expected online, got %s", probe.State())
	}

	// Stop is terminal; no further probes fire.
	calls := doer.callCount()
	time.Sleep(30 * time.Millisecond)
	if doer.callCount() != calls {
		t.Errorf("expected no probes after Stop, got %d more", doer.callCount()-calls)
	}
}
