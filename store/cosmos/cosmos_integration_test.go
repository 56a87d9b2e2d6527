//go:build integration

package cosmos

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/checkpointer/checkpoint"
	"github.com/smallnest/checkpointer/checkpoint/checkpointtest"
)

// Runs against the Cosmos DB emulator or a real account:
//
//	COSMOS_CONNECTION_STRING="AccountEndpoint=https://localhost:8081/;AccountKey=..." \
//		go test -tags integration ./store/cosmos/
func TestStore_Integration(t *testing.T) {
	connString := os.Getenv("COSMOS_CONNECTION_STRING")
	if connString == "" {
		t.Skip("COSMOS_CONNECTION_STRING not set")
	}

	// The emulator serves a self-signed certificate.
	transport := &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	clientOpts := &azcosmos.ClientOptions{ClientOptions: azcore.ClientOptions{Transport: &http.Client{Transport: transport}}}

	n := 0
	checkpointtest.Run(t, func(t *testing.T) checkpoint.Backend {
		n++
		store, err := New(Options{ConnectionString: connString, ClientOptions: clientOpts})
		require.NoError(t, err)
		return &scoped{Store: store, container: fmt.Sprintf("checkpoints_%d", n)}
	})
}

// scoped gives every subtest its own container.
type scoped struct {
	*Store
	container string
}

func (s *scoped) CreateIfNotExists(ctx context.Context, spec checkpoint.ContainerSpec) error {
	spec.Container = s.container
	return s.Store.CreateIfNotExists(ctx, spec)
}
