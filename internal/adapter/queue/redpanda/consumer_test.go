package redpanda

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/genomeops/amr-service/internal/domain"
)

type recordingAMRHandler struct {
	payloads []domain.AMRTaskPayload
}

func (h *recordingAMRHandler) Execute(_ context.Context, p domain.AMRTaskPayload) error {
	h.payloads = append(h.payloads, p)
	return nil
}

type recordingBaktaHandler struct {
	jobIDs []string
}

func (h *recordingBaktaHandler) Run(_ context.Context, jobID string) error {
	h.jobIDs = append(h.jobIDs, jobID)
	return nil
}

func TestDispatch_RoutesByTopic(t *testing.T) {
	amr := &recordingAMRHandler{}
	bakta := &recordingBaktaHandler{}
	c := &Consumer{amr: amr, bakta: bakta}

	amrBody, err := json.Marshal(domain.AMRTaskPayload{JobID: "job-1"})
	require.NoError(t, err)
	c.dispatch(context.Background(), &kgo.Record{Topic: TopicAMR, Key: []byte("job-1"), Value: amrBody})

	baktaBody, err := json.Marshal(domain.BaktaTaskPayload{JobID: "job-2"})
	require.NoError(t, err)
	c.dispatch(context.Background(), &kgo.Record{Topic: TopicBakta, Key: []byte("job-2"), Value: baktaBody})

	require.Len(t, amr.payloads, 1)
	assert.Equal(t, "job-1", amr.payloads[0].JobID)
	assert.Equal(t, []string{"job-2"}, bakta.jobIDs)
}

// A handler may run far longer than any broker-side transaction allows;
// consume must wait it out and only then mark the offset, never holding
// broker state open while the handler works.
func TestConsume_RunsHandlerToCompletion(t *testing.T) {
	done := make(chan struct{})
	amr := &blockingAMRHandler{release: done}
	c := &Consumer{amr: amr, bakta: &recordingBaktaHandler{}, workers: make(chan struct{}, 1)}

	body, err := json.Marshal(domain.AMRTaskPayload{JobID: "slow-1"})
	require.NoError(t, err)

	returned := make(chan struct{})
	go func() {
		c.consume(context.Background(), &kgo.Record{Topic: TopicAMR, Key: []byte("slow-1"), Value: body})
		close(returned)
	}()

	select {
	case <-returned:
		t.Fatal("consume returned before the handler finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(done)

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("consume did not return after the handler finished")
	}
	assert.Equal(t, []string{"slow-1"}, amr.jobIDs)
}

type blockingAMRHandler struct {
	release chan struct{}
	jobIDs  []string
}

func (h *blockingAMRHandler) Execute(_ context.Context, p domain.AMRTaskPayload) error {
	<-h.release
	h.jobIDs = append(h.jobIDs, p.JobID)
	return nil
}

func TestDispatch_DropsUndecodableRecord(t *testing.T) {
	amr := &recordingAMRHandler{}
	bakta := &recordingBaktaHandler{}
	c := &Consumer{amr: amr, bakta: bakta}

	c.dispatch(context.Background(), &kgo.Record{Topic: TopicAMR, Value: []byte("{not json")})
	c.dispatch(context.Background(), &kgo.Record{Topic: TopicBakta, Value: []byte("{not json")})

	assert.Empty(t, amr.payloads)
	assert.Empty(t, bakta.jobIDs)
}

func TestDispatch_IgnoresUnknownTopic(t *testing.T) {
	amr := &recordingAMRHandler{}
	c := &Consumer{amr: amr, bakta: &recordingBaktaHandler{}}

	c.dispatch(context.Background(), &kgo.Record{Topic: "other", Value: []byte("{}")})

	assert.Empty(t, amr.payloads)
}
