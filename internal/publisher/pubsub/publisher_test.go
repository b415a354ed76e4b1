package pubsub

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestPublisher(t *testing.T) (*Publisher, *pstest.Server) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	_, err = client.CreateTopic(ctx, "backup-runs")
	require.NoError(t, err)

	pub := New(client)
	t.Cleanup(func() { _ = pub.Close() })
	return pub, srv
}

func TestPublishDeliversPayload(t *testing.T) {
	pub, srv := newTestPublisher(t)

	id, err := pub.Publish(context.Background(), "backup-runs", []byte(`{"task_id":"t-1"}`))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.JSONEq(t, `{"task_id":"t-1"}`, string(msgs[0].Data))
	require.Equal(t, id, msgs[0].ID)
}

func TestPublishPropagatesTraceContext(t *testing.T) {
	pub, srv := newTestPublisher(t)

	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "run")
	defer span.End()

	_, err := pub.Publish(ctx, "backup-runs", []byte("{}"))
	require.NoError(t, err)
	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0].Attributes["traceparent"], span.SpanContext().TraceID().String())
}

func TestPublishValidatesInput(t *testing.T) {
	_, err := (&Publisher{}).Publish(context.Background(), "t", nil)
	require.Error(t, err)

	pub, _ := newTestPublisher(t)
	_, err = pub.Publish(context.Background(), "", []byte("{}"))
	require.Error(t, err)
}
