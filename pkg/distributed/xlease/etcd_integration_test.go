//go:build integration

package xlease_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/omeyang/xcoord/pkg/distributed/xlease"
	"github.com/omeyang/xcoord/pkg/distributed/xlease/xleasetest"
)

// 运行方式: go test -tags=integration ./pkg/distributed/xlease/...
// 设置 XCOORD_ETCD_ENDPOINTS 时使用已有 etcd，否则启动容器。

func etcdEndpoints(t *testing.T) []string {
	t.Helper()
	if eps := os.Getenv("XCOORD_ETCD_ENDPOINTS"); eps != "" {
		return strings.Split(eps, ",")
	}
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not found in PATH, skipping integration test")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "quay.io/coreos/etcd:v3.6.8",
			ExposedPorts: []string{"2379/tcp"},
			Cmd: []string{
				"etcd",
				"--listen-client-urls=http://0.0.0.0:2379",
				"--advertise-client-urls=http://0.0.0.0:2379",
			},
			WaitingFor: wait.ForListeningPort("2379/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("etcd container not available: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.PortEndpoint(ctx, "2379/tcp", "")
	if err != nil {
		t.Fatalf("etcd endpoint: %v", err)
	}
	return []string{endpoint}
}

func TestIntegration_EtcdStore_Contract(t *testing.T) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   etcdEndpoints(t),
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("etcd client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	var seq atomic.Int64
	factory := func(_ *testing.T, clock *xleasetest.Clock) xlease.Store {
		prefix := fmt.Sprintf("xlease-it/%d/%d/", time.Now().UnixNano(), seq.Add(1))
		return xlease.NewEtcdStore(client, xlease.WithClock(clock.Now), xlease.WithKeyPrefix(prefix))
	}
	xleasetest.RunStoreContract(t, factory)
	xleasetest.RunConcurrentAcquire(t, factory)
}
