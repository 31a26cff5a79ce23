package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/chanwatch/internal/watch"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "chanwatch-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestPublishUpdateEvent(t *testing.T) {
	client, srv := newTestClient(t)
	ctx := context.Background()
	_, err := client.CreateTopic(ctx, "updates")
	require.NoError(t, err)

	pub := New(client)
	t.Cleanup(pub.Stop)

	event := watch.UpdateEvent{
		ID:        "evt-1",
		URL:       "http://nowere.net/b/res/1.html",
		Host:      "nowere.net",
		Watermark: 42,
		Posts:     2,
		At:        time.Unix(1700000000, 0).UTC(),
	}
	id, err := pub.Publish(ctx, "updates", event)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "nowere.net", msgs[0].Attributes["host"])

	var got watch.UpdateEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.True(t, event.At.Equal(got.At))
	got.At = event.At
	require.Equal(t, event, got)
}

func TestPublishValidation(t *testing.T) {
	_, err := New(nil).Publish(context.Background(), "updates", "x")
	require.Error(t, err)

	client, _ := newTestClient(t)
	pub := New(client)
	_, err = pub.Publish(context.Background(), "", "x")
	require.Error(t, err)

	_, err = pub.Publish(context.Background(), "updates", func() {})
	require.Error(t, err)
}
