package pubsub

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func fakeServer(t *testing.T) (*pstest.Server, []option.ClientOption) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return srv, []option.ClientOption{option.WithGRPCConn(conn)}
}

func TestPublishDeliversJSON(t *testing.T) {
	ctx := context.Background()
	srv, opts := fakeServer(t)

	admin, err := pubsub.NewClient(ctx, "proj", opts...)
	require.NoError(t, err)
	_, err = admin.CreateTopic(ctx, "preload-events")
	require.NoError(t, err)

	p, err := New(ctx, "proj", "preload-events", opts...)
	require.NoError(t, err)

	id, err := p.Publish(ctx, "preload.completed", map[string]string{"elapsed": "unavailable"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.JSONEq(t, `{"elapsed":"unavailable"}`, string(msgs[0].Data))
	require.Equal(t, "preload.completed", msgs[0].Attributes["event"])
	require.NoError(t, p.Close())
}

func TestNewRejectsMissingTopic(t *testing.T) {
	_, opts := fakeServer(t)

	_, err := New(context.Background(), "proj", "absent", opts...)
	require.ErrorContains(t, err, "does not exist")

	_, err = New(context.Background(), "", "absent", opts...)
	require.Error(t, err)
}

func TestNilPublisher(t *testing.T) {
	t.Parallel()

	var p *Publisher
	_, err := p.Publish(context.Background(), "t", "x")
	require.Error(t, err)
	require.NoError(t, p.Close())
}
