package registry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	consulapi "github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/require"

	"socks-fleet/pkg/model"
)

type consulRequest struct {
	Method string
	Path   string
	Body   []byte
}

func fakeConsul(t *testing.T) (string, func() []consulRequest) {
	var mu sync.Mutex
	var reqs []consulRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, consulRequest{Method: r.Method, Path: r.URL.Path, Body: b})
		mu.Unlock()
		if strings.HasPrefix(r.URL.Path, "/v1/kv/") {
			_, _ = w.Write([]byte("true"))
		}
	}))
	t.Cleanup(ts.Close)
	return strings.TrimPrefix(ts.URL, "http://"), func() []consulRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]consulRequest(nil), reqs...)
	}
}

var testInstance = model.Instance{
	Port:        32768,
	GeoCategory: model.GeoUS,
	ExitIP:      "1.2.3.4",
	Fingerprint: "AAAA",
	ContainerID: "c0001",
	Name:        "tor-proxy-AAAA-1700000000",
}

func TestRegistration(t *testing.T) {
	c, err := NewConsul(Options{AdvertiseAddr: "10.0.0.5", CheckInterval: 10 * time.Second}, logs.NewTestingLog(t))
	require.NoError(t, err)

	reg := c.registration(testInstance)
	require.Equal(t, "tor-proxy-AAAA-1700000000", reg.ID)
	require.Equal(t, "tor-proxy", reg.Name)
	require.Equal(t, 32768, reg.Port)
	require.Equal(t, []string{"geo:US"}, reg.Tags)
	require.Equal(t, "1.2.3.4", reg.Meta["exit_ip"])
	require.Equal(t, "10.0.0.5:32768", reg.Check.TCP)
	require.Equal(t, "10s", reg.Check.Interval)

	require.Equal(t, "tor-proxy-9050", c.serviceID(model.Instance{Port: 9050}))
}

func TestObserveRegistersAndDeregisters(t *testing.T) {
	addr, requests := fakeConsul(t)
	c, err := NewConsul(Options{Address: addr}, logs.NewTestingLog(t))
	require.NoError(t, err)
	ctx := context.Background()

	c.Observe(ctx, model.Event{Type: model.EventInstanceCreated, Instance: testInstance})
	c.Observe(ctx, model.Event{Type: model.EventInstanceFailed, Instance: testInstance})
	c.Observe(ctx, model.Event{Type: model.EventInstanceTerminated, Instance: testInstance})

	reqs := requests()
	require.Len(t, reqs, 4)
	require.Equal(t, "/v1/agent/service/register", reqs[0].Path)
	var reg consulapi.AgentServiceRegistration
	require.NoError(t, json.Unmarshal(reqs[0].Body, &reg))
	require.Equal(t, testInstance.Name, reg.ID)

	require.Equal(t, http.MethodPut, reqs[1].Method)
	require.Equal(t, "/v1/kv/socks-fleet/instances/"+testInstance.Name, reqs[1].Path)
	require.Equal(t, "/v1/agent/service/deregister/"+testInstance.Name, reqs[2].Path)
	require.Equal(t, http.MethodDelete, reqs[3].Method)
}

func TestObserveSwallowsErrors(t *testing.T) {
	c, err := NewConsul(Options{Address: "127.0.0.1:1"}, logs.NewTestingLog(t))
	require.NoError(t, err)
	c.Observe(context.Background(), model.Event{Type: model.EventInstanceCreated, Instance: testInstance})
}
