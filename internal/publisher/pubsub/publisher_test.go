package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/osint-shield/internal/pipeline"
)

const projectID = "shield-test"

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(context.Background(), projectID,
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestPublishRoutesByEventTopic(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t)
	ctx := context.Background()
	for _, topic := range []string{pipeline.TopicCaseAlerted, pipeline.TopicReportSealed} {
		_, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{
			Name: "projects/" + projectID + "/topics/" + TopicID("shield", topic),
		})
		require.NoError(t, err)
	}

	pub := New(client, "shield")
	t.Cleanup(pub.Stop)

	id, err := pub.Publish(ctx, pipeline.TopicCaseAlerted, pipeline.CaseAlertedEvent{CaseUUID: "c-1", RiskScore: 80})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	_, err = pub.Publish(ctx, pipeline.TopicReportSealed, pipeline.ReportSealedEvent{ReportUUID: "r-1", Digest: "abc"})
	require.NoError(t, err)

	msgs := srv.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, pipeline.TopicCaseAlerted, msgs[0].Attributes[EventTypeAttribute])

	var alerted pipeline.CaseAlertedEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &alerted))
	require.Equal(t, "c-1", alerted.CaseUUID)
	require.Equal(t, 80, alerted.RiskScore)
}

func TestPublishMissingTopicFails(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	pub := New(client, "shield")
	t.Cleanup(pub.Stop)

	_, err := pub.Publish(context.Background(), pipeline.TopicDispatchSent, map[string]string{"a": "b"})
	require.Error(t, err)
}

func TestTopicID(t *testing.T) {
	t.Parallel()

	require.Equal(t, "shield.case.alerted", TopicID("shield", "case.alerted"))
	require.Equal(t, "case.alerted", TopicID("", "case.alerted"))
}
