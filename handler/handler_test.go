package handler

import (
	"babyview-pipeline/dto"
	"babyview-pipeline/pkg/rabbitmq"
	"babyview-pipeline/repository"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	got []dto.RunRequest
	err error
}

func (f *fakeRunner) Run(_ context.Context, req dto.RunRequest) (dto.RunSummary, error) {
	f.got = append(f.got, req)
	if f.err != nil {
		return dto.RunSummary{}, f.err
	}
	return dto.RunSummary{RunId: req.RunId, Selected: 2}, nil
}

func TestRunRequestHandler(t *testing.T) {
	runner := &fakeRunner{}
	var finished []dto.RunSummary
	deps := ServiceDependencies{Pipeline: runner, OnFinish: func(s dto.RunSummary) { finished = append(finished, s) }}
	id := uuid.New()
	body := fmt.Sprintf(`{"runId":%q,"filterKey":"subject_id","filterValues":["S001","S002"],"dryRun":true}`, id)

	err := RunRequestHandler(context.Background(), amqp.Delivery{Body: []byte(body)}, deps)
	require.NoError(t, err)

	require.Len(t, runner.got, 1)
	assert.Equal(t, id, runner.got[0].RunId)
	assert.Equal(t, []string{"S001", "S002"}, runner.got[0].FilterValues)
	assert.True(t, runner.got[0].DryRun)
	require.Len(t, finished, 1)
	assert.Equal(t, 2, finished[0].Selected)
}

func TestRunRequestHandlerRejectsBadBody(t *testing.T) {
	runner := &fakeRunner{}

	err := RunRequestHandler(context.Background(), amqp.Delivery{Body: []byte("{")}, ServiceDependencies{Pipeline: runner})
	assert.ErrorIs(t, err, rabbitmq.ErrRejected)
	assert.Empty(t, runner.got)
}

func TestRunRequestHandlerRejectsUnknownFilter(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("%w: %q", repository.ErrUnknownFilterKey, "colour")}

	err := RunRequestHandler(context.Background(), amqp.Delivery{Body: []byte(`{"filterKey":"colour"}`)}, ServiceDependencies{Pipeline: runner})
	assert.ErrorIs(t, err, rabbitmq.ErrRejected)
}

func TestRunRequestHandlerRetriesTransientErrors(t *testing.T) {
	runner := &fakeRunner{err: errors.New("airtable: status 503")}

	err := RunRequestHandler(context.Background(), amqp.Delivery{Body: []byte(`{}`)}, ServiceDependencies{Pipeline: runner})
	require.Error(t, err)
	assert.NotErrorIs(t, err, rabbitmq.ErrRejected)
}
